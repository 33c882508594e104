package upload

import (
	"fmt"

	"kbupload/internal/models"
)

func toRecord(t Task, position int) models.UploadTask {
	return models.UploadTask{
		ID:          t.ID,
		Filename:    t.Filename,
		TargetID:    t.TargetID,
		Status:      string(t.Status),
		Progress:    t.Progress,
		RemoteJobID: t.RemoteJobID,
		Error:       t.Error,
		Position:    position,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// fromRecord rebuilds a task from its persisted form. Records that cannot
// describe a valid task are rejected.
func fromRecord(r models.UploadTask) (Task, error) {
	status := Status(r.Status)
	switch {
	case r.ID == "":
		return Task{}, fmt.Errorf("record without id")
	case !status.Valid():
		return Task{}, fmt.Errorf("record %s has unknown status %q", r.ID, r.Status)
	case status == StatusProcessing && r.RemoteJobID == "":
		return Task{}, fmt.Errorf("record %s is processing without a remote job id", r.ID)
	case r.Progress < 0 || r.Progress > ProgressDone:
		return Task{}, fmt.Errorf("record %s has progress %d out of range", r.ID, r.Progress)
	}

	return Task{
		ID:          r.ID,
		Filename:    r.Filename,
		TargetID:    r.TargetID,
		Status:      status,
		Progress:    r.Progress,
		RemoteJobID: r.RemoteJobID,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}
