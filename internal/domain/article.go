package domain

import "time"

// Article is one news item returned by the search collaborator.
type Article struct {
	URL         string
	Headline    string
	Description string
	Source      string
	Body        string
	PublishedAt time.Time
	DrugContext string
}

// Sentiment classifies an article's tone toward drug supply.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentCritical Sentiment = "CRITICAL"
)
