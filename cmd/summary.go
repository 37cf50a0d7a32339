package cmd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/asterism-org/asterism/internal/session"
)

const summaryTimeFormat = "2006-01-02 15:04:05 MST"

// renderSummary formats a finished session as a session table followed by a
// per-task table.
func renderSummary(result *session.Result) string {
	var buf bytes.Buffer
	_, _ = buf.Write([]byte("\n"))
	_, _ = buf.Write([]byte("Summary ->\n"))
	_, _ = buf.Write([]byte(renderSessionSummary(result)))
	_, _ = buf.Write([]byte("\n"))
	_, _ = buf.Write([]byte("Details ->\n"))
	_, _ = buf.Write([]byte(renderTaskSummary(result.Tasks)))
	return buf.String()
}

var sessionHeader = table.Row{
	"Session ID",
	"Constellation",
	"State",
	"Started At",
	"Finished At",
	"Duration",
}

func renderSessionSummary(result *session.Result) string {
	dataRow := table.Row{
		result.RequestID,
		result.Name,
		result.State.String(),
		result.StartedAt.Format(summaryTimeFormat),
		result.FinishedAt.Format(summaryTimeFormat),
		result.Duration.Round(time.Millisecond).String(),
	}

	summaryTable := table.NewWriter()
	summaryTable.AppendHeader(sessionHeader)
	summaryTable.AppendRow(dataRow)
	return summaryTable.Render()
}

var taskHeader = table.Row{
	"#",
	"Task",
	"Device",
	"Status",
	"Duration",
	"Error",
}

func renderTaskSummary(tasks []session.TaskResult) string {
	taskTable := table.NewWriter()
	taskTable.AppendHeader(taskHeader)

	for i, task := range tasks {
		name := task.Name
		if name == "" {
			name = task.TaskID
		}
		taskTable.AppendRow(table.Row{
			fmt.Sprintf("%d", i+1),
			name,
			task.DeviceID,
			task.Status.String(),
			task.Duration.Round(time.Millisecond).String(),
			task.Error,
		})
	}

	return taskTable.Render()
}
