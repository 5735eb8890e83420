package coordinator

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shellfleet/shellfleet/internal/store"
)

// exportPageSize bounds memory while streaming: history is read and written
// page by page.
const exportPageSize = 500

// handleExport streams the command history as JSON or CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv", "")
		return
	}

	base := filterFromQuery(r)
	base.Limit = exportPageSize
	base.Offset = 0

	switch format {
	case "csv":
		s.exportCSV(w, base)
	default:
		s.exportJSON(w, base)
	}
}

func (s *Server) exportJSON(w http.ResponseWriter, f store.Filter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="commands.json"`)

	enc := json.NewEncoder(w)
	_, _ = w.Write([]byte("[\n"))
	first := true

	for {
		page, err := s.store.ListCommands(f)
		if err != nil {
			s.log.Error().Err(err).Msg("export query failed")
			break
		}
		for _, cmd := range page {
			if !first {
				_, _ = w.Write([]byte(",\n"))
			}
			first = false
			if err := enc.Encode(cmd); err != nil {
				return
			}
		}
		if len(page) < f.Limit {
			break
		}
		f.Offset += f.Limit
	}
	_, _ = w.Write([]byte("]\n"))
}

func (s *Server) exportCSV(w http.ResponseWriter, f store.Filter) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="commands.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"command_id", "agent_id", "command", "status", "priority",
		"timeout_seconds", "created_at", "sent_at", "completed_at",
		"exit_code", "execution_time_seconds", "error_message",
	})

	for {
		page, err := s.store.ListCommands(f)
		if err != nil {
			s.log.Error().Err(err).Msg("export query failed")
			break
		}
		for _, cmd := range page {
			_ = cw.Write(commandToRecord(cmd))
		}
		if len(page) < f.Limit {
			break
		}
		f.Offset += f.Limit
	}
	cw.Flush()
}

func commandToRecord(cmd *store.Command) []string {
	fmtTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	exitCode := ""
	if cmd.ExitCode != nil {
		exitCode = strconv.Itoa(*cmd.ExitCode)
	}
	execTime := ""
	if cmd.ExecutionTime != nil {
		execTime = strconv.FormatFloat(*cmd.ExecutionTime, 'f', -1, 64)
	}
	errMsg := ""
	if cmd.ErrorMessage != nil {
		errMsg = *cmd.ErrorMessage
	}
	return []string{
		cmd.CommandID,
		cmd.AgentID,
		cmd.Command,
		cmd.Status,
		strconv.Itoa(cmd.Priority),
		strconv.Itoa(cmd.TimeoutSeconds),
		cmd.CreatedAt.UTC().Format(time.RFC3339Nano),
		fmtTime(cmd.SentAt),
		fmtTime(cmd.CompletedAt),
		exitCode,
		execTime,
		errMsg,
	}
}
