package models

// Product is the listing a chat room is about.
type Product struct {
	ID    int64  `json:"product_id,omitempty"`
	Name  string `json:"product_name"`
	Price int64  `json:"price"`
}

// User identifies a marketplace member.
type User struct {
	ID       int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Email    string `json:"email,omitempty"`
	Type     string `json:"type,omitempty"`
}

// ChatRoom is one buyer/seller conversation about a product. OtherUser is
// always relative to whoever asked for the room.
type ChatRoom struct {
	RoomID    int64   `json:"room_id"`
	Product   Product `json:"product"`
	OtherUser User    `json:"other_user"`
	BuyerID   int64   `json:"-"`
	SellerID  int64   `json:"-"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (r ChatRoom) HasParticipant(userID int64) bool {
	return userID != 0 && (r.BuyerID == userID || r.SellerID == userID)
}

// RoomHistory is the normalized result of a history fetch.
type RoomHistory struct {
	Room     ChatRoom
	Messages []ChatMessage
}

// HistoryResponse is the body of GET /api/chat/room/:room_id/messages.
type HistoryResponse struct {
	Room     ChatRoom                `json:"room"`
	Messages []ReceiveMessagePayload `json:"messages"`
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateRoomRequest is the body of POST /api/chat/room.
type CreateRoomRequest struct {
	ProductID int64 `json:"product_id"`
}

// CreateRoomResponse is returned by POST /api/chat/room.
type CreateRoomResponse struct {
	RoomID int64 `json:"room_id"`
}

// SessionResponse is the body of GET /api/check-session.
type SessionResponse struct {
	LoggedIn bool  `json:"logged_in"`
	User     *User `json:"user,omitempty"`
}
