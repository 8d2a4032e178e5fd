package portalchat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the portal API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps well-known API codes onto the package sentinels so callers can
// use errors.Is without caring about the wire code.
func (e *APIError) Unwrap() error {
	switch strings.ToUpper(e.Code) {
	case "NOT_FOUND", "ROOM_NOT_FOUND", "GONE":
		return ErrNotFound
	case "UNAUTHORIZED", "FORBIDDEN", "NOT_A_MEMBER":
		return ErrUnauthorized
	case "UNAUTHENTICATED":
		return ErrUnauthenticated
	case "VALIDATION", "INVALID_INPUT":
		return ErrValidation
	}
	if strings.Contains(e.Code, "TIMEOUT") || strings.Contains(e.Code, "NETWORK") {
		return ErrNetwork
	}
	return nil
}

var (
	// ErrNotFound is returned when the room or message no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the current user is not (or no longer) a member.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnauthenticated is returned by a UserLookup with no signed-in user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrValidation is returned for requests rejected as malformed.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork wraps failures with no definitive server response.
	ErrNetwork = errors.New("network failure")
	// ErrQuotaExceeded is returned by KV backends that ran out of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrMalformedPayload marks realtime payloads that could not be normalized.
	ErrMalformedPayload = errors.New("malformed payload")
)

// ============================================================================
// Messages
// ============================================================================

// TempIDPrefix marks identifiers generated locally before server confirmation.
// Server identifiers never carry it.
const TempIDPrefix = "temp-"

// IsTempID reports whether id was generated locally for an optimistic message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Attachment describes a file attached to a message.
type Attachment struct {
	FileName    string `json:"fileName"`
	StoragePath string `json:"storagePath"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
}

// Message is the canonical message shape every source is normalized into.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	AuthorID    string       `json:"authorId"`
	Body        string       `json:"body"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
	Edited      bool         `json:"edited"`
	Optimistic  bool         `json:"optimistic,omitempty"`
	ParentID    *string      `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientNonce string       `json:"clientNonce,omitempty"`
}

// ============================================================================
// Rooms & Participants
// ============================================================================

type RoomType string

const (
	RoomGeneral  RoomType = "general"
	RoomContract RoomType = "contract"
	RoomOffer    RoomType = "offer"
)

type Permission string

const (
	PermissionAdmin Permission = "admin"
	PermissionWrite Permission = "write"
)

// MessagePreview is the denormalized latest message shown in the roster.
type MessagePreview struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room is a chat room as seen by the current viewer.
type Room struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	LogoURL       string          `json:"logoUrl,omitempty"`
	Type          RoomType        `json:"type"`
	LatestMessage *MessagePreview `json:"latestMessage,omitempty"`
	UnreadCount   int             `json:"unreadCount"`
	Active        bool            `json:"active"`
}

// Participant binds a user to a room.
type Participant struct {
	RoomID     string     `json:"roomId"`
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
	Active     bool       `json:"active"`
	Removed    bool       `json:"removed"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// User is the authenticated viewer.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ============================================================================
// API request / response types
// ============================================================================

type CreateRoomOptions struct {
	Name         string   `json:"name"`
	Type         RoomType `json:"type"`
	LogoURL      string   `json:"logoUrl,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type CreateMessageOptions struct {
	RoomID      string       `json:"roomId"`
	Body        string       `json:"body"`
	ParentID    *string      `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientNonce string       `json:"clientNonce,omitempty"`
}

// Page is one page of history in ascending order.
// NextCursor is empty once the start of history is reached.
type Page struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Result is the generic API envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
