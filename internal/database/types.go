package database

// BatchState is a state of the atomic batch state machine. The only legal
// transition order is PENDING → PROCESSING → COMMITTING → COMMITTED; the
// crash-reset PROCESSING → PENDING is performed by resume.
type BatchState string

const (
	BatchPending    BatchState = "PENDING"
	BatchProcessing BatchState = "PROCESSING"
	BatchCommitting BatchState = "COMMITTING"
	BatchCommitted  BatchState = "COMMITTED"
)

// Job status values for the singleton job config.
const (
	JobStatusConfigured  = "configured"
	JobStatusRunning     = "running"
	JobStatusStopped     = "stopped"
	JobStatusTerminating = "terminating"
	JobStatusCompleted   = "completed"
)

// Embedding source types.
const (
	SourceReference = "reference"
	SourceLearned   = "learned"
)

// Person is a registered identity.
type Person struct {
	ID              int64
	Name            string
	OutputFolderRel string
	CreatedAt       string
	EmbeddingCount  int
}

// Centroid is the matching representative of a person: the unit-normalized
// mean of all their embeddings.
type Centroid struct {
	PersonID        int64
	Name            string
	OutputFolderRel string
	Vector          []float32
}

// JobConfig is the singleton operator configuration.
type JobConfig struct {
	SourceRoot         string
	OutputRoot         string
	SelectedPersonIDs  []int64
	SelectedImagePaths []string
	GroupMode          bool
	GroupFolderName    string
}

// Configured reports whether both roots are set.
func (c *JobConfig) Configured() bool {
	return c.SourceRoot != "" && c.OutputRoot != ""
}

// Job is one discovery-to-completion run over a source tree.
type Job struct {
	ID              int64
	SourceRoot      string
	OutputRoot      string
	Status          string
	TotalImages     int
	ProcessedImages int
}

// Image is one catalogued source file.
type Image struct {
	ID          int64
	JobID       int64
	SourcePath  string
	Filename    string
	Extension   string
	SHA256      string
	OrderingIdx int
}

// Batch is a contiguous ordering_idx window of a job's catalog; the unit
// of atomic progress.
type Batch struct {
	ID       int64
	JobID    int64
	StartIdx int
	EndIdx   int
	State    BatchState
}

// ImageResult is the persisted outcome of analyzing one image. It is
// upserted by image_id during PROCESSING and read back during COMMITTING,
// so a replayed commit sees exactly what the analysis produced.
type ImageResult struct {
	ImageID          int64
	BatchID          int64
	FaceCount        int
	MatchedCount     int
	UnknownCount     int
	MatchedPersonIDs []int64

	// Joined from the images table for the commit phase.
	SourcePath string
	Filename   string
	SHA256     string
}

// CommitLogEntry is one append-only audit record of a fan-out outcome.
type CommitLogEntry struct {
	BatchID    int64
	ImageID    int64
	PersonID   int64
	OutputPath string
	Status     string
}
