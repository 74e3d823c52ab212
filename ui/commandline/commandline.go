// Package commandline contains convenience UI tools for running training
// jobs from the command line: a progress bar attached to a worker, a typed
// job-settings flag, and evaluation reporting.
package commandline

import (
	"fmt"

	"github.com/pcl-projects/STRN/ml/train"
)

// ReportEval reports on the command line the result of an immediate
// evaluation of the job's current parameter snapshot.
func ReportEval(tester *train.Tester) error {
	loss, accuracy, err := tester.EvaluateNow()
	if err != nil {
		return err
	}
	fmt.Println("Results on the held-out batch set:")
	fmt.Printf("\tloss: %.4f\n", loss)
	fmt.Printf("\taccuracy: %.2f%%\n", 100*accuracy)
	return nil
}
