package model

import "time"

type Chunk struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Source    string    `json:"source"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkRow is the insert payload. It has no tenant field: the owning tenant is always
// taken from the scoped session performing the write.
type ChunkRow struct {
	Content   string
	Embedding []float32
	Source    string
	Position  int
}

type SourceStat struct {
	Source         string    `json:"source"`
	Chunks         int       `json:"chunks"`
	LastIngestedAt time.Time `json:"last_ingested_at"`
}
