// Package header defines canonical HTTP header names used across cloak.
package header

const (
	ACCEPT           = "Accept"
	ACCEPT_ENCODING  = "Accept-Encoding"
	ACCEPT_LANGUAGE  = "Accept-Language"
	AUTHORIZATION    = "Authorization"
	CACHE_CONTROL    = "Cache-Control"
	CONNECTION       = "Connection"
	CONTENT_ENCODING = "Content-Encoding"
	CONTENT_LENGTH   = "Content-Length"
	CONTENT_TYPE     = "Content-Type"
	COOKIE           = "Cookie"
	HOST             = "Host"
	LAST_EVENT_ID    = "Last-Event-Id"
	LOCATION         = "Location"
	REFERER          = "Referer"
	SET_COOKIE       = "Set-Cookie"
	UPGRADE          = "Upgrade"
	USER_AGENT       = "User-Agent"
)
