// Package questions manages the per-session question supply and responses.
package questions

import (
	"context"
	"fmt"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/google/uuid"
)

// Generator produces comprehension questions from slide text. It stands in
// for an external generation model; the delivery core only depends on this
// contract.
type Generator interface {
	Generate(ctx context.Context, sessionID string, textChunks []string, n int) ([]domain.Question, error)
}

// Question and answer templates cycled over the supplied slide chunks.
var questionTemplates = []string{
	"What is the main topic discussed in this lecture?",
	"Which concept is most important in this section?",
	"What is a key takeaway from this material?",
	"Explain the primary concept discussed.",
	"What would be the best application of this knowledge?",
	"What problem does this solution address?",
	"How does this concept relate to real-world scenarios?",
	"What are the key components of this topic?",
	"Why is this concept significant?",
	"What are the implications of this discussion?",
}

var answerTemplates = []string{
	"The main topic is covered in the lecture material.",
	"This is a key concept in the subject.",
	"The primary takeaway is the understanding of fundamentals.",
	"This concept is essential for advanced learning.",
	"The best application is in practical scenarios.",
	"This solution addresses common problems.",
	"It relates directly to practical implementations.",
	"The key components are comprehensively covered.",
	"This concept is significant for understanding the topic.",
	"The implications are far-reaching and important.",
}

// TemplateGenerator produces deterministic template questions keyed to slide
// positions. It fills the Generator contract until a real model is wired in.
type TemplateGenerator struct{}

// Generate implements Generator.
func (TemplateGenerator) Generate(_ context.Context, sessionID string, textChunks []string, n int) ([]domain.Question, error) {
	if len(textChunks) == 0 {
		return nil, nil
	}
	if n <= 0 {
		n = 5
	}
	if n > len(textChunks) {
		n = len(textChunks)
	}

	now := time.Now()
	generated := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		templateIdx := i % len(questionTemplates)
		slideIdx := i % len(textChunks)
		generated = append(generated, domain.Question{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			Text:          fmt.Sprintf("%s (Based on Slide %d)", questionTemplates[templateIdx], slideIdx+1),
			CorrectAnswer: fmt.Sprintf("%s (Slide %d)", answerTemplates[templateIdx], slideIdx+1),
			SourceSlide:   slideIdx,
			CreatedAt:     now,
		})
	}
	return generated, nil
}
