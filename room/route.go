package room

import (
	"fmt"
	"regexp"
	"strconv"
)

var roomPath = regexp.MustCompile(`/chat/(\d+)`)

// ParseRoomID extracts the numeric room id following /chat/ in path.
func ParseRoomID(path string) (int64, error) {
	m := roomPath.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("%w: no room id in %q", ErrRoomNotIdentified, path)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid room id %q", ErrRoomNotIdentified, m[1])
	}
	return id, nil
}

// Path returns the navigation path of a room.
func Path(roomID int64) string {
	return "/chat/" + strconv.FormatInt(roomID, 10)
}
