package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pricesync/internal/models"
	"pricesync/internal/service"
)

const issuesShown = 10

const helpText = `pricesync operator commands:
/stats - queue counts and processor state
/issues - failures that need a fix and unlinked items
/job <id> - show one job
/sync <entity> - enqueue a manual sync
/retry [text] - reset failed jobs, optionally only those whose error contains text
/pause - stop claiming new jobs
/resume - continue claiming jobs`

func (b *Bot) handleCommand(ctx context.Context, command, args string) string {
	switch command {
	case "start", "help":
		return helpText
	case "stats":
		return b.stats(ctx)
	case "issues":
		return b.issues(ctx)
	case "job":
		return b.job(ctx, args)
	case "sync":
		return b.sync(ctx, args)
	case "retry":
		res, err := b.ops.RetryFailed(ctx, args)
		if err != nil {
			return b.errorReply(ctx, err)
		}
		return fmt.Sprintf("🔁 %d failed job(s) reset to pending", res.Affected)
	case "pause":
		if err := b.ops.Pause(); err != nil {
			return b.errorReply(ctx, err)
		}
		return "⏸ processor paused"
	case "resume":
		if err := b.ops.Resume(ctx); err != nil {
			return b.errorReply(ctx, err)
		}
		return "▶️ processor resumed"
	default:
		return "Unknown command. Send /help for the list."
	}
}

func (b *Bot) stats(ctx context.Context) string {
	stats, err := b.ops.Stats(ctx)
	if err != nil {
		return b.errorReply(ctx, err)
	}
	var sb strings.Builder
	sb.WriteString("📊 Queue\n")
	for _, st := range models.AllJobStatuses {
		fmt.Fprintf(&sb, "%s: %d\n", st, stats.Counts[st])
	}
	fmt.Fprintf(&sb, "total: %d", stats.Total)
	if p := stats.Processor; p != nil {
		state := "running"
		switch {
		case !p.Running:
			state = "stopped"
		case p.Paused:
			state = "paused"
		}
		fmt.Fprintf(&sb, "\n\n⚙️ Processor: %s, %d/%d workers busy", state, p.Active, p.Workers)
	}
	return sb.String()
}

func (b *Bot) issues(ctx context.Context) string {
	issues, err := b.ops.Issues(ctx, issuesShown)
	if err != nil {
		return b.errorReply(ctx, err)
	}
	if len(issues.FailedJobs) == 0 && len(issues.UnlinkedItems) == 0 {
		return "✅ Nothing needs attention"
	}
	var sb strings.Builder
	if len(issues.FailedJobs) > 0 {
		sb.WriteString("❌ Failed jobs\n")
		for _, j := range issues.FailedJobs {
			fmt.Fprintf(&sb, "#%d %s [%s]", j.ID, j.EntityID, j.ErrorKind)
			if j.ErrorMessage != nil {
				fmt.Fprintf(&sb, " %s", truncate(*j.ErrorMessage, 80))
			}
			sb.WriteString("\n")
		}
	}
	if len(issues.UnlinkedItems) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("🔗 Items without a Remote record\n")
		for _, it := range issues.UnlinkedItems {
			fmt.Fprintf(&sb, "%s (family %s)\n", it.ID, it.FamilyID)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) job(ctx context.Context, args string) string {
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil || id <= 0 {
		return "Usage: /job <id>"
	}
	job, err := b.ops.GetJob(ctx, id)
	if err != nil {
		return b.errorReply(ctx, err)
	}
	return formatJob(job)
}

func (b *Bot) sync(ctx context.Context, args string) string {
	if args == "" || strings.ContainsAny(args, " \n") {
		return "Usage: /sync <entity>"
	}
	jobs, err := b.ops.EnqueueEntity(ctx, service.EnqueueEntityRequest{EntityID: args})
	if err != nil {
		return b.errorReply(ctx, err)
	}
	if len(jobs) == 0 {
		return "Nothing enqueued"
	}
	return fmt.Sprintf("📥 job #%d enqueued for %s", jobs[0].ID, jobs[0].EntityID)
}

func formatJob(job *models.SyncJob) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job #%d\n", job.ID)
	fmt.Fprintf(&sb, "entity: %s\n", job.EntityID)
	if job.FamilyID != "" {
		fmt.Fprintf(&sb, "family: %s\n", job.FamilyID)
	}
	fmt.Fprintf(&sb, "status: %s\n", job.Status)
	fmt.Fprintf(&sb, "priority: %s\n", job.Priority)
	fmt.Fprintf(&sb, "retries: %d", job.RetryCount)
	if job.ErrorKind != models.ErrorKindNone {
		fmt.Fprintf(&sb, "\nerror kind: %s", job.ErrorKind)
	}
	if job.ErrorMessage != nil {
		fmt.Fprintf(&sb, "\nerror: %s", truncate(*job.ErrorMessage, 300))
	}
	return sb.String()
}

// errorReply turns service errors into chat text. Internal errors are logged and not echoed.
func (b *Bot) errorReply(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return "⚠️ Not found"
	case errors.Is(err, service.ErrInvalidRequest):
		return "⚠️ " + err.Error()
	case errors.Is(err, service.ErrUnavailable):
		return "⚠️ The processor does not run in this process"
	default:
		b.metrics.incError()
		zerologCtx(ctx, b).Error().Err(err).Msg("operator command failed")
		return "❌ Command failed, see service logs"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
