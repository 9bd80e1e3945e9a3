package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeAccessChanged notifies a user that their role or permissions
	// changed.
	TaskTypeAccessChanged = "access:changed"
	// TaskTypeSessionPrune removes stale session audit rows. Redis session
	// state expires on its own; the Postgres audit copy does not.
	TaskTypeSessionPrune = "sessions:prune"
)

// SessionRetention is how long pruning keeps expired session audit rows.
const SessionRetention = 90 * 24 * time.Hour

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AccessChangedPayload carries the access change notification data.
type AccessChangedPayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	RoleName string `json:"role_name"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewAccessChangedTask constructs an access change notification task.
func NewAccessChangedTask(payload AccessChangedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAccessChanged, data), nil
}

// NewSessionPruneTask constructs the periodic session prune task.
func NewSessionPruneTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSessionPrune, nil)
}

// NewSendEmailHandler processes TaskTypeSendEmail tasks through the mailer.
func NewSendEmailHandler(mailer *Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if err := mailer.Send(payload.To, payload.Subject, payload.Body); err != nil {
			return err
		}
		logger.Info("email sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
		return nil
	}
}

// NewAccessChangedHandler turns access change notifications into emails.
func NewAccessChangedHandler(mailer *Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AccessChangedPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		subject := "Your access has changed"
		body := fmt.Sprintf("Hello,\r\n\r\nYour account permissions were updated. Your role is now: %s.\r\n\r\nIf this is unexpected, contact your administrator.\r\n", displayRole(payload.RoleName))
		if err := mailer.Send(payload.Email, subject, body); err != nil {
			return err
		}
		logger.Info("access change notification sent",
			slog.String("user_id", payload.UserID),
			slog.String("role", payload.RoleName))
		return nil
	}
}

// NewSessionPruneHandler deletes expired session audit rows older than the
// retention window.
func NewSessionPruneHandler(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		const query = `DELETE FROM sessions WHERE expires_at < now() - make_interval(hours => $1)`
		tag, err := pool.Exec(ctx, query, int(SessionRetention.Hours()))
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			logger.Info("session audit pruned", slog.Int64("removed", tag.RowsAffected()))
		}
		return nil
	}
}

func displayRole(name string) string {
	if name == "" {
		return "none (no role assigned)"
	}
	return name
}
