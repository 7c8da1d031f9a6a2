package protocol

import (
	"regexp"
	"strings"
)

const (
	RoomCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	MinRoomCodeLength = 5
	MaxRoomCodeLength = 6
)

var roomCodeRegexp = regexp.MustCompile(`^[A-Z0-9]{5,6}$`)

// NormalizeRoomCode makes user input comparable with allocated codes.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidRoomCode(code string) bool {
	return roomCodeRegexp.MatchString(code)
}
