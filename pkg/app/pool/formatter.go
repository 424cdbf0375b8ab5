package pool

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// format writes v as json or yaml, or calls table for the table format.
func format(w io.Writer, v any, format string, table func(io.Writer) error) error {
	switch format {
	case "json":
		return formatJSON(w, v)
	case "yaml":
		return formatYAML(w, v)
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// formatJSON formats results as JSON
func formatJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// formatYAML formats results as YAML
func formatYAML(w io.Writer, v any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(v)
}

// FormatCreate formats the result of a create.
func FormatCreate(w io.Writer, resp *CreateResponse, f string) error {
	return format(w, resp, f, func(w io.Writer) error {
		fmt.Fprintf(w, "Created pool %s (guid %016x) at txg %d\n", resp.Name, resp.Guid, resp.SyncedTxg)
		fmt.Fprintf(w, "%d top-level vdev(s), %s allocatable\n", resp.TopLevels, humanize.IBytes(resp.Space))
		for _, ds := range resp.Datasets {
			fmt.Fprintf(w, "  dataset %s\n", ds)
		}
		return nil
	})
}

// FormatStatus formats a pool status report.
func FormatStatus(w io.Writer, resp *StatusResponse, f string) error {
	return format(w, resp, f, func(w io.Writer) error {
		st := resp.Status
		fmt.Fprintf(w, "  pool: %s\n", st.Name)
		fmt.Fprintf(w, "  guid: %016x\n", st.Guid)
		fmt.Fprintf(w, " state: %s\n", st.State)
		fmt.Fprintf(w, "   txg: synced %d, open %d (uberblock %s)\n",
			st.SyncedTxg, st.OpenTxg, resp.Uberblock.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, " space: %s, %s allocated, %s used, %s usable\n\n",
			humanize.IBytes(st.Space), humanize.IBytes(st.Allocated),
			humanize.IBytes(st.Used), signedBytes(st.AdjustedSize))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "NAME\tSTATE\tSIZE\tALLOC\tREAD\tWRITE\tCKSUM\n")
		fmt.Fprintf(tw, "----\t-----\t----\t-----\t----\t-----\t-----\n")
		for _, vd := range st.Vdevs {
			alloc := "-"
			if vd.Allocated > 0 {
				alloc = humanize.IBytes(vd.Allocated)
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				strings.Repeat("  ", vd.Depth), vd.Name, vd.State,
				humanize.IBytes(vd.Asize), alloc,
				vd.ReadErrors, vd.WriteErrors, vd.ChecksumErrors)
		}
		return tw.Flush()
	})
}

// FormatSync formats the summary of a sync run.
func FormatSync(w io.Writer, resp *SyncResponse, f string) error {
	return format(w, resp, f, func(w io.Writer) error {
		fmt.Fprintf(w, "Synced %d txg(s) %d..%d into %s\n", resp.Txgs, resp.FirstTxg, resp.LastTxg, resp.Dataset)
		rate := uint64(0)
		if s := resp.Elapsed.Seconds(); s > 0 {
			rate = uint64(float64(resp.BytesWritten) / s)
		}
		fmt.Fprintf(w, "Wrote %s in %v (%s/s), dataset uses %s\n",
			humanize.IBytes(resp.BytesWritten), resp.Elapsed.Round(1e6), humanize.IBytes(rate), humanize.IBytes(resp.Used))
		return nil
	})
}

// FormatLabels formats the labels of a device.
func FormatLabels(w io.Writer, resp *LabelsResponse, f string) error {
	return format(w, resp, f, func(w io.Writer) error {
		fmt.Fprintf(w, "Device %s\n\n", resp.Device)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "LABEL\tOFFSET\tVALID\tPOOL\tTXG\tUBERBLOCKS\n")
		fmt.Fprintf(tw, "-----\t------\t-----\t----\t---\t----------\n")
		for _, l := range resp.Labels {
			pool := l.Pool
			if !l.Valid {
				pool = l.Error
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%d\t%s\n",
				l.Index, humanize.IBytes(l.Offset), l.Valid, pool, l.Txg, txgRange(l.Uberblocks))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(w, "\nNewest uberblock: txg %d\n", resp.BestTxg())
		return nil
	})
}

// txgRange summarizes a set of uberblock txgs.
func txgRange(txgs []uint64) string {
	if len(txgs) == 0 {
		return "none"
	}
	lo, hi := txgs[0], txgs[0]
	for _, tx := range txgs {
		lo, hi = min(lo, tx), max(hi, tx)
	}
	if lo == hi {
		return fmt.Sprintf("1 (txg %d)", lo)
	}
	return fmt.Sprintf("%d (txg %d..%d)", len(txgs), lo, hi)
}

func signedBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
