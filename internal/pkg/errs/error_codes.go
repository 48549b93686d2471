/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system errors both inside the server
and on the wire: REST responses carry them in the envelope "code" field and WebSocket
"error" events carry them in their payload.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Chat and Message Errors
const (
	// ErrChatIDInvalid indicates a malformed chat identifier.
	ErrChatIDInvalid = 2101

	// ErrChatNotFound indicates that the chat does not exist in storage.
	ErrChatNotFound = 2103

	// ErrChatAccessDenied indicates the user is not a participant of the chat.
	ErrChatAccessDenied = 2104

	// ErrMessageContentEmpty indicates the message was empty after trimming.
	ErrMessageContentEmpty = 2200

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrMessagePersistFailed indicates the storage collaborator rejected or timed out an append.
	ErrMessagePersistFailed = 2202

	// ErrSelfChat indicates an attempt to open a private chat with oneself.
	ErrSelfChat = 2301

	// ErrUnsupportedEvent indicates a WebSocket event type the server does not handle.
	ErrUnsupportedEvent = 2401
)

// 3xxx: User, Session, and Security Errors
const (
	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = 3000

	// ErrAlreadyLoggedIn indicates that a logged-in user called register or login.
	ErrAlreadyLoggedIn = 3005

	// ErrInvalidUsername indicates the username does not match the allowed pattern.
	ErrInvalidUsername = 3006

	// ErrInvalidPassword indicates the password length is out of bounds.
	ErrInvalidPassword = 3007

	// ErrUserAlreadyExists indicates the username is taken.
	ErrUserAlreadyExists = 3008

	// ErrInvalidCredentials indicates a login failure.
	ErrInvalidCredentials = 3009

	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = 3010
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrStorageUnavailable indicates the storage collaborator could not be reached.
	ErrStorageUnavailable = 5001
)
