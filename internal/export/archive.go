package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/routespark/core/internal/domain"
)

// buildArchive renders the job's order history into a zip of CSV files:
// orders.csv, line_items.csv and corrections.csv, plus a small manifest.
func buildArchive(job domain.QueueJob, orders []domain.Order, corrections []domain.Correction) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := writeCSV(zw, "orders.csv", ordersRows(orders)); err != nil {
		return nil, err
	}
	if err := writeCSV(zw, "line_items.csv", lineItemRows(orders)); err != nil {
		return nil, err
	}
	if err := writeCSV(zw, "corrections.csv", correctionRows(corrections)); err != nil {
		return nil, err
	}
	if err := writeManifest(zw, job, len(orders), len(corrections)); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCSV(zw *zip.Writer, name string, rows [][]string) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeManifest(zw *zip.Writer, job domain.QueueJob, orderCount, correctionCount int) error {
	f, err := zw.Create("manifest.txt")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "route=%s\nfrom=%s\nto=%s\nformat=%s\norders=%d\ncorrections=%d\n",
		job.RouteNumber,
		job.FromDate.Format("2006-01-02"),
		job.ToDate.Format("2006-01-02"),
		job.Format,
		orderCount,
		correctionCount)
	return err
}

func ordersRows(orders []domain.Order) [][]string {
	rows := [][]string{{"order_id", "schedule", "delivery_date", "order_date", "status", "finalized_at"}}
	for _, o := range orders {
		finalized := ""
		if o.FinalizedAt != nil {
			finalized = o.FinalizedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		rows = append(rows, []string{
			o.ID,
			o.ScheduleKey,
			o.DeliveryDate.Format("2006-01-02"),
			o.OrderDate.Format("2006-01-02"),
			string(o.Status),
			finalized,
		})
	}
	return rows
}

func lineItemRows(orders []domain.Order) [][]string {
	rows := [][]string{{"order_id", "store", "sap", "units", "cases", "promo", "forecasted_units", "user_adjusted"}}
	for _, o := range orders {
		for _, so := range o.StoreOrders {
			for _, li := range so.Lines {
				cases := ""
				if li.Cases != nil {
					cases = strconv.Itoa(*li.Cases)
				}
				forecasted := ""
				if li.ForecastedUnits != nil {
					forecasted = strconv.Itoa(*li.ForecastedUnits)
				}
				rows = append(rows, []string{
					o.ID,
					so.StoreID,
					li.SAP,
					strconv.Itoa(li.Units),
					cases,
					strconv.FormatBool(li.Promo),
					forecasted,
					strconv.FormatBool(li.UserAdjusted),
				})
			}
		}
	}
	return rows
}

func correctionRows(corrections []domain.Correction) [][]string {
	rows := [][]string{{"order_id", "schedule", "delivery_date", "store", "sap", "predicted_units", "final_units", "delta", "ratio", "removed", "promo", "submitted_at"}}
	for _, c := range corrections {
		rows = append(rows, []string{
			c.Order,
			c.Schedule,
			c.DeliveryDate.Format("2006-01-02"),
			c.Store,
			c.SAP,
			strconv.FormatFloat(c.PredictedUnits, 'f', -1, 64),
			strconv.FormatFloat(c.FinalUnits, 'f', -1, 64),
			strconv.FormatFloat(c.Delta(), 'f', -1, 64),
			strconv.FormatFloat(c.Ratio(), 'f', -1, 64),
			strconv.FormatBool(c.Removed),
			strconv.FormatBool(c.Promo),
			c.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return rows
}
