// Package restapi exposes the messaging service over HTTP.
//
// Routes:
//
//	GET    /conversations
//	GET    /messages/{userId}
//	POST   /messages
//	PUT    /messages/{userId}/read
//	DELETE /messages/{id}
//	DELETE /messages/conversation/{userId}
//	GET    /presence/online
//
// Every response is a JSON object with a boolean "success" field.
package restapi
