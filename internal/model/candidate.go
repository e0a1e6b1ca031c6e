package model

type CandidateSource string

const (
	SourceSemantic CandidateSource = "semantic"
	SourceLexical  CandidateSource = "lexical"
)

// Candidate is one ranked hit produced by a retrieval branch.
type Candidate interface {
	ID() string
	Text() string
	Source() CandidateSource
}

// SemanticCandidate is an embedding-similarity hit; Similarity is cosine similarity.
type SemanticCandidate struct {
	ChunkID    string  `json:"chunk_id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

func (c SemanticCandidate) ID() string              { return c.ChunkID }
func (c SemanticCandidate) Text() string            { return c.Content }
func (c SemanticCandidate) Source() CandidateSource { return SourceSemantic }

// LexicalCandidate is a ranked full-text hit; Rank is the store's text rank.
type LexicalCandidate struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Rank    float64 `json:"rank"`
}

func (c LexicalCandidate) ID() string              { return c.ChunkID }
func (c LexicalCandidate) Text() string            { return c.Content }
func (c LexicalCandidate) Source() CandidateSource { return SourceLexical }

type FusedResult struct {
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	FusedScore float64           `json:"score"`
	Sources    []CandidateSource `json:"sources"`
}

type Answer struct {
	Answer       string        `json:"answer"`
	Sources      []FusedResult `json:"sources"`
	Insufficient bool          `json:"insufficient"`
}
