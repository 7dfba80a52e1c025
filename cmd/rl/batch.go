package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"reqline/internal/engine"
	"reqline/internal/pipeline"
)

type batchItem struct {
	ID        string `json:"id"`
	Value     any    `json:"value,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// printBatch renders per-item results and reports an error when any item
// failed so the exit status reflects partial failure.
func printBatch[T any](rs []pipeline.Result[T], header table.Row, row func(T) table.Row) error {
	failed := pipeline.Failures(rs)
	if viper.GetBool("json") {
		out := make([]batchItem, len(rs))
		for i, r := range rs {
			out[i] = batchItem{ID: r.ID}
			if r.Err != nil {
				out[i].ErrorKind = string(engine.KindOf(r.Err))
				out[i].ErrorCode = engine.CodeOf(r.Err)
				out[i].Error = r.Err.Error()
				continue
			}
			out[i].Value = r.Value
		}
		if err := printJSON(map[string]any{"failed": failed, "items": out}); err != nil {
			return err
		}
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		head := append(table.Row{"Item"}, header...)
		tw.AppendHeader(append(head, "Error"))
		for _, r := range rs {
			cells := table.Row{r.ID}
			if r.Err != nil {
				cells = append(cells, make(table.Row, len(header))...)
				tw.AppendRow(append(cells, r.Err.Error()))
				continue
			}
			cells = append(cells, row(r.Value)...)
			tw.AppendRow(append(cells, ""))
		}
		tw.Render()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(rs))
	}
	return nil
}
