package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Received        int   `json:"received"`
	InProgress      int   `json:"in_progress"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusReceived:
		s.Received++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	default:
		s.InProgress++
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}
