// Package chat answers questions with retrieval-augmented generation over a
// langchaingo llms.Model.
//
// Retrieved documents are rendered as numbered passages into the system
// prompt's {context} placeholder, followed by the conversation history and
// the question.
package chat
