package version

import "fmt"

// Version of the service, overridable at build time with -ldflags.
var Version = "1.2.0"

// AppName is the public name of the service.
const AppName = "SuperDuperFeeder"

// UserAgent returns the User-Agent header value used for every outbound
// HTTP request (discovery, polling, verification, distribution).
func UserAgent() string {
	return fmt.Sprintf("%s/%s", AppName, Version)
}
