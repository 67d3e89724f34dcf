// Command lmsdemo runs a toy training loop against the memarray reference backend with
// the scheduler attached, to exercise and display the trace-driven swap scheduler end to
// end without needing a real accelerator.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lms/memarray"
	"github.com/gomlx/lms/report"
	"github.com/gomlx/lms/scheduler"
	"github.com/gomlx/lms/swapio"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagIterations = flag.Int("iterations", 10, "Number of training iterations to simulate.")
	flagFunctions  = flag.Int("functions", 6, "Number of layer functions per iteration.")
	flagArraySize  = flag.Int("array_size", 1<<20, "Element count of each simulated array.")
	flagBudgetMB   = flag.Int("budget_mb", 64, "Device-memory budget, in megabytes.")
	flagQueueDepth = flag.Int("queue_depth", 4, "Simulated device transfer queue depth.")
	flagVerbose    = flag.Int("v", 0, "klog verbosity level.")
)

func main() {
	flag.Parse()
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	_ = klogFlags.Set("v", fmt.Sprint(*flagVerbose))

	dtype := dtypes.Float32
	device := memarray.NewDevice(*flagQueueDepth)
	defer device.Close()

	var slot swapio.CallbackSlot
	budget := uintptr(*flagBudgetMB) * 1 << 20
	klog.V(2).Infof("lmsdemo: %s budget per run", humanize.Bytes(uint64(budget)))
	sched := scheduler.New(memarray.HostContext, memarray.DeviceContext, budget, &slot, device)

	buffers := make([]*memarray.Buffer, *flagFunctions+1)
	for i := range buffers {
		buffers[i] = memarray.New(*flagArraySize, dtype, device, &slot)
		buffers[i].Seed()
	}

	bar := progressbar.NewOptions(*flagIterations,
		progressbar.OptionSetDescription("Training: "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	for iter := 0; iter < *flagIterations; iter++ {
		if err := runIteration(sched, buffers); err != nil {
			klog.Errorf("iteration %d failed: %v", iter, err)
			os.Exit(1)
		}
		_ = bar.Add(1)
	}
	fmt.Println()

	report.Default.Summary(sched.Stats())
	report.Default.Plan(sched.FunctionStatsAll())
}

// runIteration simulates one training step: StartScheduling, one PreFunctionCallback plus
// a device use of that function's weight and activation buffers for each of flagFunctions
// layers, a PreUpdateCallback for the optimizer step, and EndScheduling.
func runIteration(sched *scheduler.Scheduler, buffers []*memarray.Buffer) error {
	sched.StartScheduling()

	for i := 0; i < len(buffers)-1; i++ {
		if err := sched.PreFunctionCallback(); err != nil {
			return err
		}
		weight := buffers[i]
		activation := buffers[i+1]
		if err := weight.Get(weight.DType(), memarray.DeviceContext, swapio.FlagNone); err != nil {
			return err
		}
		if err := activation.Cast(activation.DType(), memarray.DeviceContext, true, swapio.FlagNone); err != nil {
			return err
		}
	}

	if err := sched.PreUpdateCallback(); err != nil {
		return err
	}

	return sched.EndScheduling()
}
