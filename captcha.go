// Package captcha contains the version number and shared constants of the
// captcha challenge service.
package captcha

import "time"

// Version is the current version of the service.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// APIPrefix is the path prefix for all challenge API routes.
const APIPrefix = "/api/captcha/"

// ImagePath is the route used to fetch a rendered challenge by token.
const ImagePath = APIPrefix + "image/"

// DefaultExpiry is how long a challenge stays valid when the config does not
// say otherwise.
const DefaultExpiry = 5 * time.Minute

// DefaultSweepInterval is how often expired challenges are reclaimed when the
// config does not say otherwise.
const DefaultSweepInterval = 10 * time.Minute
