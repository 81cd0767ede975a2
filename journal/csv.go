package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"seq", "time", "type", "account_number", "status", "pid", "error", "ack_id"}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range recs {
		pid := ""
		if r.PID != 0 {
			pid = strconv.Itoa(r.PID)
		}
		err := cw.Write([]string{
			strconv.FormatInt(r.Seq, 10),
			r.Time.UTC().Format(time.RFC3339),
			string(r.Type),
			r.Account,
			string(r.Status),
			pid,
			r.Error,
			r.AckID,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
