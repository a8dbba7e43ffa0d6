package domain

import "time"

// MemoryCategory tags a memory record.
type MemoryCategory string

const (
	MemoryEpisodic   MemoryCategory = "episodic"   // What happened in a run
	MemorySemantic   MemoryCategory = "semantic"   // Lessons and facts
	MemoryProcedural MemoryCategory = "procedural" // How a task was solved
)

// MemoryRecord is one unit of long-term memory.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Category  MemoryCategory `json:"category"`
	Content   string         `json:"content"`
	RunID     string         `json:"run_id"`
	Key       string         `json:"key"`
	Terms     []string       `json:"terms,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
