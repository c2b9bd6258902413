package applier

// Stage captures how far an applier has progressed through its stream.
type Stage string

const (
	StageStarted                Stage = "started"
	StageReachedCloneFinishedTS Stage = "reached_clone_finished_ts"
	StageFinished               Stage = "finished"
	StageErrorOccurred          Stage = "error_occurred"
)

// Terminal reports whether no further batches will be applied in this stage.
func (s Stage) Terminal() bool {
	return s == StageFinished || s == StageErrorOccurred
}
