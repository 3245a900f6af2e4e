package version

var (
	Name        = "tern"
	Description = "Pooled multi-protocol HTTP client"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

// UserAgent is the default User-Agent header sent with requests.
func UserAgent() string {
	return Name + "/" + Version
}
