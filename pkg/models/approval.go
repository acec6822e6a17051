package models

import "time"

// ApprovalResponse is the human decision delivered on an approval's
// response channel.
type ApprovalResponse struct {
	ApprovalID  string    `json:"approval_id"`
	Approved    bool      `json:"approved"`
	By          string    `json:"by,omitempty"`
	Message     string    `json:"message,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}

// QuestionResponse carries the user's answers for an intercepted
// user-question tool call.
type QuestionResponse struct {
	QuestionID  string            `json:"question_id"`
	Answers     map[string]string `json:"answers"`
	By          string            `json:"by,omitempty"`
	RespondedAt time.Time         `json:"responded_at"`
}
