package handlers

import "github.com/gin-gonic/gin"

// Routes groups the REST handlers mounted behind authentication.
type Routes struct {
	Chat        *ChatHandler
	Requests    *RequestHandler
	Groups      *GroupHandler
	Attachments *AttachmentHandler
}

// Register mounts every authenticated endpoint on api. Nil handlers are
// skipped.
func (r Routes) Register(api gin.IRouter) {
	if h := r.Chat; h != nil {
		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations/direct", h.StartDirect)
		api.GET("/conversations/:conversation_id", h.GetConversation)
		api.PATCH("/conversations/:conversation_id", h.UpdateState)
		api.DELETE("/conversations/:conversation_id", h.DeleteConversationForMe)
		api.POST("/conversations/:conversation_id/restore", h.RestoreConversation)
		api.GET("/conversations/:conversation_id/messages", h.ListMessages)
		api.POST("/conversations/:conversation_id/messages", h.PostMessage)
		api.POST("/conversations/:conversation_id/read", h.MarkRead)
		api.POST("/conversations/:conversation_id/typing", h.SetTyping)

		api.GET("/accounts/:account_id/can-message", h.CanMessage)
		api.POST("/accounts/:account_id/messages", h.PostDirectMessage)

		api.PATCH("/messages/:message_id", h.EditMessage)
		api.DELETE("/messages/:message_id", h.DeleteMessage)
		api.PUT("/messages/:message_id/reaction", h.ReactToMessage)
		api.PATCH("/messages/:message_id/flags", h.FlagMessage)
	}

	if h := r.Requests; h != nil {
		api.GET("/requests", h.ListRequests)
		api.POST("/requests/:request_id/accept", h.Accept)
		api.POST("/requests/:request_id/decline", h.Decline)
		api.POST("/requests/:request_id/block", h.Block)
	}

	if h := r.Groups; h != nil {
		api.POST("/groups", h.CreateGroup)
		api.PATCH("/groups/:conversation_id", h.UpdateGroup)
		api.POST("/groups/:conversation_id/participants", h.AddParticipants)
		api.DELETE("/groups/:conversation_id/participants/:account_id", h.RemoveParticipant)
		api.POST("/groups/:conversation_id/leave", h.Leave)
	}

	if h := r.Attachments; h != nil {
		api.POST("/attachments", h.Upload)
	}
}
