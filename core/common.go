package core

import (
	"math/rand"
	"time"
)

// Magical reference date is Mon Jan 2 15:04:05 MST 2006
// Time attributes carry the number of seconds since 1/1/1970
var ZeroRadiusTime, _ = time.Parse("2006-01-02T15:04:05 MST", "1970-01-01T00:00:00 UTC")
var TimeFormatString = "2006-01-02T15:04:05 MST"

var ZeroAuthenticator = [16]byte{}

// Generates a random authenticator
func BuildRandomAuthenticator() [16]byte {
	var authenticator [16]byte
	rand.Read(authenticator[:])
	return authenticator
}
