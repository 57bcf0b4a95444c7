// Package report renders the summary of a training run for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/janpfeifer/rankGo/internal/trainer"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
	headerStyle = lipgloss.NewStyle().Bold(true)
	bestStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Render the summary as a block of text. If color is false, no styling is used.
func Render(summary *trainer.Summary, color bool) string {
	style := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	var sb strings.Builder
	title := fmt.Sprintf("RankNet %s: epochs %d to %d", summary.Structure, summary.StartEpoch, summary.FinalEpoch)
	sb.WriteString(style(titleStyle, title))
	sb.WriteString("\n\n")
	if summary.ResumeMissed {
		sb.WriteString(fmt.Sprintf("Checkpoint of epoch %d was missing: trained from scratch.\n\n", summary.StartEpoch))
	}

	if numLosses := len(summary.Losses); numLosses > 0 {
		first, last := summary.Losses[0], summary.Losses[numLosses-1]
		sb.WriteString(fmt.Sprintf("Training loss: %.5f (epoch %d) -> %.5f (epoch %d)\n\n",
			first.Loss, first.Epoch, last.Loss, last.Epoch))
	}

	if len(summary.Evaluations) > 0 {
		sb.WriteString(renderEvaluations(summary, color))
		sb.WriteString("\n")
	}

	if summary.FinalModel != "" {
		sb.WriteString(fmt.Sprintf("Checkpoint: %s\nFinal model: %s\n", summary.LastCheckpoint, summary.FinalModel))
	}
	return sb.String()
}

// bestEvaluation returns the index of the evaluation with the highest NDCG at the first cutoff, or with the
// lowest cross-entropy if there are no cutoffs.
func bestEvaluation(summary *trainer.Summary, ks []int) int {
	bestIdx := -1
	for ii, eval := range summary.Evaluations {
		if bestIdx == -1 {
			bestIdx = ii
			continue
		}
		best := summary.Evaluations[bestIdx]
		if len(ks) > 0 {
			if eval.NDCG[ks[0]] > best.NDCG[ks[0]] {
				bestIdx = ii
			}
		} else if eval.CrossEntropy < best.CrossEntropy {
			bestIdx = ii
		}
	}
	return bestIdx
}

// renderEvaluations as a table, one row per evaluation, highlighting the best one.
func renderEvaluations(summary *trainer.Summary, color bool) string {
	var ks []int
	for k := range generics.SortedKeys(summary.Evaluations[0].NDCG) {
		ks = append(ks, k)
	}
	headers := []string{"epoch", "pair_loss", "cross_entropy"}
	headers = append(headers, generics.SliceMap(ks, func(k int) string { return fmt.Sprintf("NDCG@%d", k) })...)
	rows := generics.SliceMap(summary.Evaluations, func(eval ranking.Evaluation) []string {
		row := []string{
			fmt.Sprintf("%d", eval.Epoch),
			fmt.Sprintf("%.5f", eval.PairLoss),
			fmt.Sprintf("%.5f", eval.CrossEntropy),
		}
		for _, k := range ks {
			row = append(row, fmt.Sprintf("%.5f", eval.NDCG[k]))
		}
		return row
	})

	bestIdx := bestEvaluation(summary, ks)
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if !color {
				return cellStyle
			}
			switch row {
			case table.HeaderRow:
				return cellStyle.Inherit(headerStyle)
			case bestIdx:
				return cellStyle.Inherit(bestStyle)
			default:
				return cellStyle
			}
		})
	if color {
		t = t.BorderStyle(borderStyle)
	}
	return t.Render() + "\n"
}

// Print the summary to w. If w is a terminal, the report is colored and centered.
func Print(w io.Writer, summary *trainer.Summary) {
	f, isFile := w.(*os.File)
	if !isFile || !term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(w, Render(summary, false))
		return
	}
	terminalWidth, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		terminalWidth = 0
	}
	_, _ = fmt.Fprint(w, indentBlock(Render(summary, true), terminalWidth))
}

// indentBlock centers the block of text in the given width.
func indentBlock(block string, width int) string {
	lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, lipgloss.Width(line))
	}
	indent := max((width-blockWidth)/2, 0)
	var sb strings.Builder
	for _, line := range lines {
		if len(line) > 0 {
			sb.WriteString(strings.Repeat(" ", indent))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
