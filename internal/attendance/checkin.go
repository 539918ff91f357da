package attendance

import (
	"context"
	"errors"
	"fmt"

	"attendx/internal/ai"
	"attendx/internal/faceclient"
	"attendx/internal/queue"
)

// checkinMessage is the queue payload of an asynchronous check-in.
type checkinMessage struct {
	JobID string `json:"jobId"`
}

func validatePhoto(photo string) error {
	if err := ai.CheckImage(photo); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// RegisterFace stores photo as the user's face template after checking it shows
// one clear face. The template is mirrored to the image host when configured.
func (s *Service) RegisterFace(ctx context.Context, userID, photo string) (Profile, error) {
	if err := validatePhoto(photo); err != nil {
		return Profile{}, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	res, err := s.face.Enroll(ctx, photo)
	if err != nil {
		return Profile{}, upstream(err)
	}
	if !res.FaceRegistered {
		return Profile{}, ErrUnsuitableFace
	}

	// store the down-scaled JPEG, not the raw upload
	img, err := ai.PrepareImage(photo)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	template := img.DataURI()

	var avatarURL string
	if s.uploader != nil {
		up, err := s.uploader.UploadDataURI(ctx, template, "user-"+u.ID)
		if err != nil {
			s.log.Warn("face template mirror failed", "user_id", u.ID, "err", err)
		} else {
			avatarURL = up.SecureURL
		}
	}

	if err := s.store.SetFaceTemplate(ctx, u.ID, template, avatarURL); err != nil {
		return Profile{}, err
	}
	s.log.Info("face registered", "user_id", u.ID, "mirrored", avatarURL != "")
	return s.Profile(ctx, u.ID)
}

// DetectFace reports whether the photo contains a face.
func (s *Service) DetectFace(ctx context.Context, photo string) (bool, error) {
	if err := validatePhoto(photo); err != nil {
		return false, err
	}
	res, err := s.face.Detect(ctx, photo)
	if err != nil {
		return false, upstream(err)
	}
	return res.FaceDetected, nil
}

// CheckIn verifies a student's photo against their template and records them
// Present for the class session running now, if any.
func (s *Service) CheckIn(ctx context.Context, studentID, photo string) (Record, error) {
	if err := validatePhoto(photo); err != nil {
		return Record{}, err
	}
	u, err := s.student(ctx, studentID)
	if err != nil {
		return Record{}, err
	}
	return s.verifyAndRecord(ctx, u, photo, MethodSelf)
}

// checkEligible enforces a registered template and the cooldown window.
func (s *Service) checkEligible(ctx context.Context, u User) error {
	if !u.HasTemplate() {
		return ErrNoTemplate
	}
	last, err := s.store.LastRecord(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if last.Status != StatusAbsent && s.now().Sub(last.Timestamp) < s.cooldown {
		return ErrCooldown
	}
	return nil
}

func (s *Service) verifyAndRecord(ctx context.Context, u User, photo string, method Method) (Record, error) {
	if err := s.checkEligible(ctx, u); err != nil {
		return Record{}, err
	}

	res, err := s.face.Verify(ctx, photo, u.FaceTemplate)
	if err != nil {
		return Record{}, upstream(err)
	}
	if !res.IsMatch {
		s.log.Info("face verification rejected", "student_id", u.ID, "method", method)
		return Record{}, ErrNotMatched
	}

	now := s.now()
	rec := Record{
		StudentID:  u.ID,
		Timestamp:  now,
		Status:     StatusPresent,
		Method:     method,
		RecordedBy: u.ID,
	}
	if session, err := s.store.ActiveSession(ctx, now); err == nil {
		rec.SessionID = session.ID
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	return s.insertRecord(ctx, rec)
}

func (s *Service) insertRecord(ctx context.Context, rec Record) (Record, error) {
	rec, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.rec.RecordAttendance(string(rec.Method), string(rec.Status))
	s.log.Info("attendance recorded",
		"record_id", rec.ID,
		"student_id", rec.StudentID,
		"session_id", rec.SessionID,
		"status", rec.Status,
		"method", rec.Method,
	)
	return rec, nil
}

// SubmitCheckin stores a check-in for later verification by the worker.
func (s *Service) SubmitCheckin(ctx context.Context, studentID, photo string) (CheckinJob, error) {
	if s.queue == nil {
		return CheckinJob{}, errors.New("check-in queue not configured")
	}
	if err := validatePhoto(photo); err != nil {
		return CheckinJob{}, err
	}
	u, err := s.student(ctx, studentID)
	if err != nil {
		return CheckinJob{}, err
	}
	if err := s.checkEligible(ctx, u); err != nil {
		return CheckinJob{}, err
	}

	job, err := s.store.InsertCheckin(ctx, CheckinJob{StudentID: u.ID, Photo: photo, Status: JobPending})
	if err != nil {
		return CheckinJob{}, err
	}
	msg, err := queue.NewMessage(queue.TypeCheckin, checkinMessage{JobID: job.ID})
	if err != nil {
		return CheckinJob{}, err
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		return CheckinJob{}, fmt.Errorf("publish check-in: %w", err)
	}
	s.rec.RecordCheckinJob("submitted")
	return job, nil
}

// HandleMessage processes a queue message. Unknown types are ignored.
func (s *Service) HandleMessage(ctx context.Context, msg queue.Message) (CheckinJob, error) {
	if msg.Type != queue.TypeCheckin {
		return CheckinJob{}, fmt.Errorf("%w: unknown message type %q", ErrInvalid, msg.Type)
	}
	var body checkinMessage
	if err := msg.Decode(&body); err != nil {
		return CheckinJob{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s.ProcessCheckin(ctx, body.JobID)
}

// ProcessCheckin verifies a pending check-in and records the outcome on the
// job. Jobs that are no longer pending are returned unchanged.
func (s *Service) ProcessCheckin(ctx context.Context, jobID string) (CheckinJob, error) {
	job, err := s.store.GetCheckin(ctx, jobID)
	if err != nil {
		return CheckinJob{}, err
	}
	if job.Status != JobPending {
		return job, nil
	}

	rec, verr := s.processJob(ctx, job)
	now := s.now()
	job.ProcessedAt = &now
	if verr != nil {
		job.Status = JobFailed
		job.Reason = verr.Error()
	} else {
		job.Status = JobProcessed
		job.RecordID = rec.ID
	}
	if err := s.store.UpdateCheckin(ctx, job); err != nil {
		return CheckinJob{}, err
	}
	s.rec.RecordCheckinJob(string(job.Status))
	return job, nil
}

func (s *Service) processJob(ctx context.Context, job CheckinJob) (Record, error) {
	u, err := s.student(ctx, job.StudentID)
	if err != nil {
		return Record{}, err
	}
	return s.verifyAndRecord(ctx, u, job.Photo, MethodAsync)
}

// Checkin returns a student's own check-in job.
func (s *Service) Checkin(ctx context.Context, studentID, jobID string) (CheckinJob, error) {
	job, err := s.store.GetCheckin(ctx, jobID)
	if err != nil {
		return CheckinJob{}, err
	}
	if job.StudentID != studentID {
		return CheckinJob{}, ErrNotFound
	}
	return job, nil
}

// Recognition is the outcome of an instructor scan.
type Recognition struct {
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	Record      Record `json:"record"`
}

// RecognizeAndMark identifies the student in photo among every student with a
// registered face and records them Present. sessionID is optional; without it
// the session running now is used.
func (s *Service) RecognizeAndMark(ctx context.Context, instructorID, photo, sessionID string) (Recognition, error) {
	if err := validatePhoto(photo); err != nil {
		return Recognition{}, err
	}
	now := s.now()
	if sessionID != "" {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return Recognition{}, err
		}
	} else if session, err := s.store.ActiveSession(ctx, now); err == nil {
		sessionID = session.ID
	} else if !errors.Is(err, ErrNotFound) {
		return Recognition{}, err
	}

	directory, byID, err := s.directory(ctx)
	if err != nil {
		return Recognition{}, err
	}
	res, err := s.face.Search(ctx, photo, directory)
	if err != nil {
		if errors.Is(err, faceclient.ErrEmptyDirectory) {
			return Recognition{}, fmt.Errorf("%w: no student has a registered face", ErrNotRecognized)
		}
		return Recognition{}, upstream(err)
	}
	student, ok := byID[res.StudentID]
	if !ok {
		return Recognition{}, ErrNotRecognized
	}

	rec, err := s.insertRecord(ctx, Record{
		StudentID:  student.ID,
		SessionID:  sessionID,
		Timestamp:  now,
		Status:     StatusPresent,
		Method:     MethodScan,
		RecordedBy: instructorID,
	})
	if err != nil {
		return Recognition{}, err
	}
	return Recognition{StudentID: student.ID, StudentName: student.Name(), Record: rec}, nil
}

// directory lists the students with a face template, capped at maxDirectory.
func (s *Service) directory(ctx context.Context) ([]faceclient.DirectoryEntry, map[string]User, error) {
	students, err := s.store.ListUsersByRole(ctx, RoleStudent)
	if err != nil {
		return nil, nil, err
	}
	var entries []faceclient.DirectoryEntry
	byID := make(map[string]User)
	for _, u := range students {
		if !u.HasTemplate() {
			continue
		}
		if len(entries) == s.maxDirectory {
			s.log.Warn("recognition directory truncated", "max", s.maxDirectory)
			break
		}
		entries = append(entries, faceclient.DirectoryEntry{ID: u.ID, Name: u.Name(), Template: u.FaceTemplate})
		byID[u.ID] = u
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("%w: no student has a registered face", ErrNotRecognized)
	}
	return entries, byID, nil
}

// MarkManual records a status chosen by an instructor.
func (s *Service) MarkManual(ctx context.Context, instructorID, studentID, sessionID string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	u, err := s.student(ctx, studentID)
	if err != nil {
		return Record{}, err
	}
	if sessionID != "" {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return Record{}, err
		}
	}
	return s.insertRecord(ctx, Record{
		StudentID:  u.ID,
		SessionID:  sessionID,
		Timestamp:  s.now(),
		Status:     status,
		Method:     MethodManual,
		RecordedBy: instructorID,
	})
}
