package constant

const (
	WHATSAPP_CONNECTED    = "WhatsApp connected successfully"
	WHATSAPP_DISCONNECTED = "WhatsApp disconnected successfully"
	MESSAGE_SENT          = "Message sent successfully"
	QR_CODE_GENERATED     = "QR code generated successfully"
	STATUS_RETRIEVED      = "Status retrieved successfully"
	LOGGED_OUT            = "Logged out successfully"

	WHATSAPP_NOT_CONNECTED = "WhatsApp client not connected"
	WHATSAPP_NOT_INIT      = "WhatsApp client not initialized"
	INVALID_PHONE_NUMBER   = "Invalid phone number format"
	QR_TIMEOUT             = "QR code not generated before deadline"
	SESSION_NOT_FOUND      = "No session found for this user"

	INVALID_REQUEST      = "Invalid request payload"
	SOMETHING_WENT_WRONG = "something went wrong"

	// Session server suffixes per the WhatsApp addressing scheme.
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"

	MaxReconnectAttempts = 5
)
