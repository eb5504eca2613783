package instant

import (
	"github.com/teranos/shiftly/notify"
)

// JobEvent builds the notification for a transition of job. It is addressed
// to the job channel, the employer, the job's current student and any
// extra students (for example one who was just released from the job).
func JobEvent(job *Job, eventType string, data map[string]any, students ...string) notify.Event {
	topics := []string{notify.JobTopic(job.ID), notify.EmployerTopic(job.EmployerID)}
	seen := map[string]bool{}
	for _, s := range append([]string{job.CurrentStudent()}, students...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		topics = append(topics, notify.StudentTopic(s))
	}

	return notify.Event{
		Type:      eventType,
		JobID:     job.ID,
		Status:    string(job.Status),
		Version:   job.Version,
		Timestamp: job.UpdatedAt,
		Topics:    topics,
		Data:      data,
	}
}
