package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/pcl-projects/STRN/ml/train"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	totalAmount      int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix with metrics to each
// line, so that the progress bar and its suffix are written in the same write
// operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStep(w *train.Worker, stepTime time.Duration) error {
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	step := int(w.StepNum())
	amount := step - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}

	// Suffix to erase spurious characters from previous prints.
	pBar.suffix = "\033[J" // Using "\033[J" to erase to the end of the line causes flickering on terminals (gnome-terminal and alacritty).

	// Enqueue an update to be asynchronously printed.
	pBar.updates <- progressBarUpdate{
		amount:   amount,
		step:     step,
		stepTime: stepTime,
	}

	pBar.totalAmount += amount
	pBar.lastStepReported = step
	return nil
}

func (pBar *progressBar) onEnd() {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount   int
	step     int
	stepTime time.Duration
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the
// worker, so while the worker trains it displays a progress bar with
// progression and step timings. The returned function must be called once
// training finishes, to flush the display and restore the cursor.
//
// totalSteps should match the worker's step bound; pass 0 when the loop is
// unbounded and a guess is used instead.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(worker *train.Worker, totalSteps int, extraMetrics ...ExtraMetricFn) (done func()) {
	pBar := &progressBar{
		numSteps:       totalSteps,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
	}
	if pBar.numSteps <= 0 {
		pBar.numSteps = 1000 // Guess for now.
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		// Asynchronously draw updates: this is handy if training is faster than the terminal, in particular
		// if running on cloud, with a relatively slow network connection.
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			// Create the table to be printed.
			pBar.statsTable.Data(lgtable.NewStringData())
			pBar.statsTable.Row("Training Step", fmt.Sprintf("%s of %s",
				humanizeInt(update.step), humanizeInt(pBar.numSteps)))
			pBar.statsTable.Row("Last step duration", FormatDuration(update.stepTime))
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// Clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				numLinesToBackup := 2 + 2 + 2 + len(pBar.extraMetricFns)
				pBar.termenv.CursorPrevLine(numLinesToBackup)
			}
			pBar.isFirstOutput = false

			// Print update.
			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
		pBar.asyncUpdatesDone.Done()
	}()

	worker.OnStep(pBar.onStep)
	return pBar.onEnd
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
