package httpapi

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"qms/qsystem/internal/models"
)

var exportHeader = []string{
	"id",
	"ticket_number",
	"name",
	"phone",
	"service",
	"status",
	"created_at",
	"notified_at",
	"served_at",
	"canceled_at",
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ref := branchRefFromQuery(r)
	entries, err := h.ledger.ListQueue(r.Context(), ref, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	services, err := h.ledger.ListServices(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	names := make(map[string]string, len(services))
	for _, service := range services {
		names[service.ID] = service.Name
	}

	filename := fmt.Sprintf("q-system-export-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := writeQueueCSV(w, entries, names); err != nil {
		h.logger.Error("write csv export", "error", err, "request_id", requestIDFromRequest(r))
	}
}

func writeQueueCSV(w io.Writer, entries []models.QueueEntry, serviceNames map[string]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, entry := range entries {
		record := []string{
			entry.ID,
			strconv.FormatInt(entry.TicketNumber, 10),
			entry.Name,
			entry.Phone,
			serviceNames[entry.ServiceID],
			entry.Status,
			formatTime(&entry.CreatedAt),
			formatTime(entry.NotifiedAt),
			formatTime(entry.ServedAt),
			formatTime(entry.CanceledAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
