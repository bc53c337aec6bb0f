// Package report renders tensors and algorithm search results for the terminal.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// FormatValue prints v in shortest %g form with six significant digits.
func FormatValue(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}

// Tensor writes a dense NCHW tensor batch by batch and channel by channel:
// one line per row, values separated by spaces, and a blank line after each
// channel.
func Tensor(w io.Writer, data []float32, shape tensor.Shape) error {
	if err := shape.Validate4D(); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if len(data) != shape.NumElements() {
		return fmt.Errorf("report: %d values for shape %v", len(data), shape)
	}

	bw := bufio.NewWriter(w)
	N, C, H, W := shape[0], shape[1], shape[2], shape[3]
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			for h := 0; h < H; h++ {
				for x := 0; x < W; x++ {
					if x > 0 {
						bw.WriteByte(' ')
					}
					bw.WriteString(FormatValue(data[shape.Offset(n, c, h, x)]))
				}
				bw.WriteByte('\n')
			}
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// Section writes a titled tensor dump, e.g. "Input Tensor:".
func Section(w io.Writer, title string, data []float32, shape tensor.Shape) error {
	if _, err := fmt.Fprintf(w, "%s Tensor:\n", title); err != nil {
		return err
	}
	return Tensor(w, data, shape)
}

// Algorithms renders search candidates as a table, the chosen one marked.
func Algorithms(w io.Writer, perfs []accel.AlgoPerf, chosen accel.FwdAlgorithm) {
	var data [][]string
	for _, p := range perfs {
		mark := ""
		if p.Algorithm == chosen {
			mark = "*"
		}
		data = append(data, []string{
			mark,
			p.Algorithm.String(),
			p.Duration().String(),
			formatBytes(p.Memory),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"", "ALGORITHM", "TIME", "WORKSPACE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
