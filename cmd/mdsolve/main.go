package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/config"
	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/newton"
	"github.com/coupledsys/mdsolve/internal/order"
)

var (
	scenario     string
	configFile   string
	procs        int
	assembly     string
	printLevel   int
	maxIter      int
	atol         float64
	rtol         float64
	solveSubs    bool
	maxSubSolves int
	linesearch   bool
	plot         bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mdsolve",
		Short: "coupled multidisciplinary system solver",
	}

	solveCmd := &cobra.Command{
		Use:   "solve",
		Short: "solve a scenario with newton",
		RunE:  runSolve,
	}
	solveCmd.Flags().StringVar(&scenario, "scenario", "coupled", "scenario name")
	solveCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	solveCmd.Flags().IntVar(&procs, "procs", 1, "number of ranks")
	solveCmd.Flags().StringVar(&assembly, "assembly", "dense", "jacobian assembly: dense, sparse or none")
	solveCmd.Flags().IntVar(&printLevel, "print", 1, "solver print level")
	solveCmd.Flags().IntVar(&maxIter, "maxiter", config.DefaultMaxIter, "newton iteration limit")
	solveCmd.Flags().Float64Var(&atol, "atol", config.DefaultAtol, "absolute tolerance")
	solveCmd.Flags().Float64Var(&rtol, "rtol", config.DefaultRtol, "relative tolerance")
	solveCmd.Flags().BoolVar(&solveSubs, "solve-subsystems", false, "run subsystem sweeps between iterations")
	solveCmd.Flags().IntVar(&maxSubSolves, "max-sub-solves", config.DefaultMaxSubSolves, "iteration budget for subsystem sweeps")
	solveCmd.Flags().BoolVar(&linesearch, "linesearch", false, "enable backtracking line search")
	solveCmd.Flags().BoolVar(&plot, "plot", false, "plot residual convergence")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "report cycles and ordering problems in a scenario",
		RunE:  runCheck,
	}
	checkCmd.Flags().StringVar(&scenario, "scenario", "coupled", "scenario name")
	checkCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	checkCmd.Flags().IntVar(&procs, "procs", 1, "number of ranks")

	scenariosCmd := &cobra.Command{
		Use:   "scenarios",
		Short: "list built-in scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range config.Scenarios() {
				fmt.Println(s)
			}
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Save(args[0], config.DefaultConfig())
		},
	}

	rootCmd.AddCommand(solveCmd, checkCmd, scenariosCmd, initCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file (when given) with the command flags.
// Flags that were set explicitly win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	}
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("scenario") || cfg.Scenario == "" {
		cfg.Scenario = scenario
	}
	if set("procs") {
		cfg.Procs = procs
	}
	if set("assembly") {
		if assembly == "none" {
			assembly = ""
		}
		cfg.Assembly = assembly
	}
	if set("print") {
		cfg.Print = printLevel
	}
	if set("maxiter") {
		cfg.Newton.MaxIter = maxIter
	}
	if set("atol") {
		cfg.Newton.Atol = atol
	}
	if set("rtol") {
		cfg.Newton.Rtol = rtol
	}
	if set("solve-subsystems") {
		cfg.Newton.SolveSubsystems = solveSubs
	}
	if set("max-sub-solves") {
		cfg.Newton.MaxSubSolves = maxSubSolves
	}
	if set("linesearch") {
		cfg.Newton.Linesearch = linesearch
	}
	if cfg.Procs < 1 {
		cfg.Procs = 1
	}
	return cfg, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cg, err := comm.NewGroup(cfg.Procs)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		root    *model.Group
		history []float64
	)
	err = cg.Run(func(c *comm.Comm) error {
		sys, err := config.BuildSystem(cfg)
		if err != nil {
			return err
		}
		if err := sys.Setup(c); err != nil {
			return err
		}
		if err := sys.SolveNonlinear(); err != nil {
			return err
		}
		if c.Rank() == 0 {
			mu.Lock()
			root = sys
			if nl, ok := sys.NonlinearSolver.(*newton.Solver); ok {
				history = append([]float64(nil), nl.History()...)
			}
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}

	printResults(os.Stdout, root, history)
	return nil
}

func printResults(out io.Writer, root *model.Group, history []float64) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tABS RESIDUAL\tREL RESIDUAL")
	norm0 := 1.0
	if len(history) > 0 && history[0] != 0 {
		norm0 = history[0]
	}
	for i, h := range history {
		fmt.Fprintf(w, "%d\t%.6e\t%.6e\n", i, h, h/norm0)
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VARIABLE\tVALUE")
	for _, v := range root.Layout().Vars() {
		seg := root.Outputs().VarView(v.Name)
		vals := make([]string, len(seg))
		for i, x := range seg {
			vals[i] = fmt.Sprintf("%.8g", x*v.RefValue())
		}
		fmt.Fprintf(w, "%s\t%s\n", v.Name, strings.Join(vals, ", "))
	}
	w.Flush()

	if plot && len(history) > 1 {
		logs := make([]float64, len(history))
		for i, h := range history {
			if h <= 0 {
				h = 1e-300
			}
			logs[i] = math.Log10(h)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, asciigraph.Plot(logs,
			asciigraph.Height(12),
			asciigraph.Caption("log10 residual norm")))
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cg, err := comm.NewGroup(cfg.Procs)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		root *model.Group
	)
	err = cg.Run(func(c *comm.Comm) error {
		sys, err := config.BuildSystem(cfg)
		if err != nil {
			return err
		}
		if err := sys.Setup(c); err != nil {
			return err
		}
		if c.Rank() == 0 {
			mu.Lock()
			root = sys
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}

	names := root.ChildNames()
	edges := root.ChildEdges()

	cycles := order.Cycles(names, edges)
	if len(cycles) == 0 {
		fmt.Println("no cycles")
	}
	for _, cyc := range cycles {
		fmt.Printf("cycle: %s\n", strings.Join(cyc, " <-> "))
	}

	ooo := order.OutOfOrder(names, edges)
	for _, e := range ooo {
		fmt.Printf("out of order: %s feeds %s but runs after it\n", e[0], e[1])
	}

	missing := make(map[string][]model.PartialKey)
	root.MissingPartials(missing)
	for sysname, keys := range missing {
		for _, k := range keys {
			fmt.Printf("missing partial: %s d(%s)/d(%s)\n", sysname, k.Of, k.Wrt)
		}
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tCOMM SIZE")
	for _, ci := range root.CommInfo() {
		name := ci.Path
		if name == "" {
			name = "root"
		}
		fmt.Fprintf(w, "%s\t%d\n", name, ci.Size)
	}
	return w.Flush()
}
