package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gearbox/internal/config"
	"gearbox/internal/gears"
	"gearbox/internal/logging"
	"gearbox/internal/session"
	"gearbox/internal/store"
	"gearbox/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gearbox",
	Short: "gearbox - gated mode governor with bounded lesson memory",
	Long: `gearbox governs an agent's operating mode through four gears
(ACTIVE, PATROL, SCOUT, YOLO) whose transitions are guarded by a quality
gate: completed work needs proof, claims need executed results, and
mismatches must be resolved before an objective concludes.

Alongside the gears it keeps a bounded lesson pool: near-duplicate lessons
consolidate on admission, and when the pool's entropy crosses its high
water the lowest-value lessons drain into a searchable, append-only
archive.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

// initCmd initializes gearbox in the current workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gearbox in the current workspace",
	Long: `Creates the .gearbox/ directory with a default configuration and an
empty state database. Run once per project.`,
	RunE: runInit,
}

// statusCmd shows the current gear, objective and pool state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current gear, trust, objective and memory state",
	RunE:  showStatus,
}

// objectiveCmd manages the current objective
var objectiveCmd = &cobra.Command{
	Use:   "objective",
	Short: "Manage the current objective",
}

var objectiveSetCmd = &cobra.Command{
	Use:   "set [description]",
	Short: "Set a new current objective and shift to ACTIVE",
	Args:  cobra.MinimumNArgs(1),
	RunE:  setObjective,
}

var objectiveShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current objective and its steps",
	RunE:  showObjective,
}

// stepCmd manages plan steps
var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Manage plan steps under the current objective",
}

var stepAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Append a step to the current objective",
	Args:  cobra.MinimumNArgs(1),
	RunE:  addStep,
}

var stepStartCmd = &cobra.Command{
	Use:   "start [step-id]",
	Short: "Mark a step in progress (at most one at a time)",
	Args:  cobra.ExactArgs(1),
	RunE:  startStep,
}

var proofPath string

var stepCompleteCmd = &cobra.Command{
	Use:   "complete [step-id]",
	Short: "Complete a step, hashing the proof artifact",
	Long: `Marks an in-progress step completed. The --proof artifact is hashed and
recorded; the quality gate later re-verifies the hash, so a completed step
whose artifact vanishes or changes fails the gate.`,
	Args: cobra.ExactArgs(1),
	RunE: completeStep,
}

var stepBlockCmd = &cobra.Command{
	Use:   "block [step-id]",
	Short: "Mark a step blocked",
	Args:  cobra.ExactArgs(1),
	RunE:  blockStep,
}

// verifyCmd records verification claims
var resultRef string

var verifyCmd = &cobra.Command{
	Use:   "verify [step-id] [claim]",
	Short: "Record a verification claim against a step",
	Long: `A verification is a claim that must be backed by an executed result.
Reference the result with --result; until that result is recorded the gate
reports the claim as untested.`,
	Args: cobra.MinimumNArgs(2),
	RunE: addVerification,
}

var resultPassed bool

var resultCmd = &cobra.Command{
	Use:   "result [result-ref]",
	Short: "Record an executed test result",
	Args:  cobra.ExactArgs(1),
	RunE:  recordResult,
}

// mismatchCmd records and resolves expectation mismatches
var mismatchCmd = &cobra.Command{
	Use:   "mismatch",
	Short: "Record or resolve expectation mismatches",
}

var mismatchAddCmd = &cobra.Command{
	Use:   "add [expected] [observed]",
	Short: "Record a divergence between expectation and observation",
	Args:  cobra.ExactArgs(2),
	RunE:  addMismatch,
}

var mismatchResolveCmd = &cobra.Command{
	Use:   "resolve [mismatch-id] [resolution]",
	Short: "Resolve a recorded mismatch",
	Args:  cobra.MinimumNArgs(2),
	RunE:  resolveMismatch,
}

// gateCmd evaluates the quality gate
var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate the quality gate against the current objective",
	Long: `Runs all four gate checks and prints each failure with its subject.
The gate never mutates state; it only reports whether the current
objective could conclude.`,
	RunE: runGate,
}

// shiftCmd requests a gear change
var candidateDesc string
var researchOutstanding bool

var shiftCmd = &cobra.Command{
	Use:   "shift [gear]",
	Short: "Request a gear change (ACTIVE, PATROL, SCOUT, YOLO)",
	Long: `Requests an explicit transition. Invalid edges are errors; guarded
denials (for example PATROL with unproven work outstanding) leave the gear
unchanged and print the blocking gate failures.`,
	Args: cobra.ExactArgs(1),
	RunE: runShift,
}

// turnCmd advances one autonomous cycle
var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Advance one cycle, letting the machine pick the edge",
	RunE:  runTurn,
}

// trustCmd elevates or drops the trust level via YOLO
var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage the trust level",
}

var trustElevateCmd = &cobra.Command{
	Use:   "elevate",
	Short: "Elevate trust: shift ACTIVE into YOLO",
	Long: `YOLO runs the same objective with elevated trust. Entering requires a
current objective; leaving (shift ACTIVE or a gated shift PATROL) restores
standard trust.`,
	RunE: trustElevate,
}

var trustDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop back to standard trust: shift YOLO into ACTIVE",
	RunE:  trustDrop,
}

// lessonCmd manages the bounded lesson pool
var lessonTrigger string
var lessonSource string

var lessonCmd = &cobra.Command{
	Use:   "lesson",
	Short: "Manage the bounded lesson pool",
}

var lessonAddCmd = &cobra.Command{
	Use:   "add [lesson text]",
	Short: "Admit a lesson (near-duplicates consolidate)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  addLesson,
}

var lessonReinforceCmd = &cobra.Command{
	Use:   "reinforce [lesson-id]",
	Short: "Record that a lesson proved useful again",
	Args:  cobra.ExactArgs(1),
	RunE:  reinforceLesson,
}

var lessonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the lesson pool",
	RunE:  listLessons,
}

// recallCmd searches the archive
var recallFrom, recallTo string
var recallPageSize int

var recallCmd = &cobra.Command{
	Use:   "recall [text]",
	Short: "Search archived lessons",
	Long: `Searches the append-only archive by substring and archival time range.
Pruned lessons never disappear; recall is how they come back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecall,
}

// entropyCmd reports pool entropy
var entropyCmd = &cobra.Command{
	Use:   "entropy",
	Short: "Report pool entropy against its thresholds",
	RunE:  showEntropy,
}

// pruneCmd forces an entropy check and drain
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drain the pool to the low water if the high water is breached",
	RunE:  runPrune,
}

// watchCmd runs the config watcher until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the config file and apply changes live",
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .gearbox)")

	stepCompleteCmd.Flags().StringVar(&proofPath, "proof", "", "Artifact path to hash as proof (required)")
	stepCompleteCmd.MarkFlagRequired("proof")

	verifyCmd.Flags().StringVar(&resultRef, "result", "", "Executed result reference backing the claim")
	resultCmd.Flags().BoolVar(&resultPassed, "passed", true, "Whether the result passed")

	shiftCmd.Flags().StringVar(&candidateDesc, "candidate", "", "Candidate objective description (SCOUT findings)")
	shiftCmd.Flags().BoolVar(&researchOutstanding, "research-outstanding", false, "Block SCOUT entry on outstanding research")
	turnCmd.Flags().StringVar(&candidateDesc, "candidate", "", "Candidate objective description")
	turnCmd.Flags().BoolVar(&researchOutstanding, "research-outstanding", false, "Block SCOUT entry on outstanding research")

	lessonAddCmd.Flags().StringVar(&lessonTrigger, "trigger", "", "Situation that should recall this lesson (required)")
	lessonAddCmd.Flags().StringVar(&lessonSource, "source", "", "Objective or event the lesson came from")
	lessonAddCmd.MarkFlagRequired("trigger")

	recallCmd.Flags().StringVar(&recallFrom, "from", "", "Earliest archival time (RFC 3339)")
	recallCmd.Flags().StringVar(&recallTo, "to", "", "Latest archival time (RFC 3339)")
	recallCmd.Flags().IntVar(&recallPageSize, "page-size", 20, "Results per page")

	objectiveCmd.AddCommand(objectiveSetCmd)
	objectiveCmd.AddCommand(objectiveShowCmd)

	stepCmd.AddCommand(stepAddCmd)
	stepCmd.AddCommand(stepStartCmd)
	stepCmd.AddCommand(stepCompleteCmd)
	stepCmd.AddCommand(stepBlockCmd)

	mismatchCmd.AddCommand(mismatchAddCmd)
	mismatchCmd.AddCommand(mismatchResolveCmd)

	trustCmd.AddCommand(trustElevateCmd)
	trustCmd.AddCommand(trustDropCmd)

	lessonCmd.AddCommand(lessonAddCmd)
	lessonCmd.AddCommand(lessonReinforceCmd)
	lessonCmd.AddCommand(lessonListCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(objectiveCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(mismatchCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(shiftCmd)
	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(lessonCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(entropyCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace picks the workspace: explicit flag, nearest directory
// with a .gearbox marker, or the current directory.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return config.FindWorkspaceRoot()
}

// openSession loads config and opens the store for the workspace.
func openSession() (*session.Session, *store.Store, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.Initialize(ws, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	st, err := store.New(filepath.Join(ws, config.Dir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	return session.New(st, cfg), st, nil
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	dir := filepath.Join(ws, config.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	cfgPath := config.Path(ws)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Project = filepath.Base(ws)
		if err := cfg.Save(ws); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists at %s\n", cfgPath)
	}

	st, err := store.New(dir)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	fmt.Printf("Initialized gearbox in %s\n", dir)
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := s.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Project:  %s\n", state.Project)
	fmt.Printf("Gear:     %s\n", state.Gear)
	fmt.Printf("Trust:    %s\n", state.Trust)
	if state.Objective != nil {
		fmt.Printf("Objective: %s  %s\n", state.Objective.ID, state.Objective.Description)
		fmt.Printf("Steps:    %d\n", len(state.Steps))
	} else {
		fmt.Println("Objective: (none)")
	}

	report, err := s.Entropy()
	if err != nil {
		return err
	}
	fmt.Printf("Memory:   %d lessons, entropy %d/%d (%s)\n",
		len(state.Lessons), report.Value, report.HighWater, report.Metric)
	if report.Breached {
		fmt.Println("          entropy high water breached; run 'gearbox prune'")
	}
	return nil
}

func setObjective(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	obj, err := s.SetObjective(joinArgs(args))
	if err != nil {
		return err
	}
	fmt.Printf("Objective %s set; gear is now ACTIVE\n", obj.ID)
	return nil
}

func showObjective(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := s.Status()
	if err != nil {
		return err
	}
	if state.Objective == nil {
		fmt.Println("No current objective")
		return nil
	}

	fmt.Printf("%s  %s\n", state.Objective.ID, state.Objective.Description)
	for _, step := range state.Steps {
		proof := ""
		if !step.Proof.Empty() {
			proof = "  proof:" + shortHash(step.Proof.Hash)
		}
		fmt.Printf("  %d. [%s] %s  %s%s\n", step.Seq, step.Status, step.ID, step.Description, proof)
	}
	for _, v := range state.Verifications {
		passed, found, err := s.TestResult(v.ResultRef)
		outcome := "no result"
		switch {
		case err != nil:
			outcome = "result lookup failed"
		case found && passed:
			outcome = "passed"
		case found:
			outcome = "failed"
		}
		fmt.Printf("  verify %s step:%s  %s  [%s]\n", v.ID, v.StepID, v.Claim, outcome)
	}
	return nil
}

// shortHash truncates a proof hash for display.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func addStep(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	step, err := s.AddStep(joinArgs(args))
	if err != nil {
		return err
	}
	fmt.Printf("Step %d added: %s\n", step.Seq, step.ID)
	return nil
}

func startStep(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.StartStep(args[0]); err != nil {
		return err
	}
	fmt.Printf("Step %s in progress\n", args[0])
	return nil
}

func completeStep(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.CompleteStep(args[0], proofPath); err != nil {
		return err
	}
	fmt.Printf("Step %s completed with proof from %s\n", args[0], proofPath)
	return nil
}

func blockStep(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.BlockStep(args[0]); err != nil {
		return err
	}
	fmt.Printf("Step %s blocked\n", args[0])
	return nil
}

func addVerification(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := s.AddVerification(args[0], joinArgs(args[1:]), resultRef)
	if err != nil {
		return err
	}
	fmt.Printf("Verification %s recorded\n", v.ID)
	if resultRef == "" {
		fmt.Println("No result reference; the gate will report this claim as untested")
	}
	return nil
}

func recordResult(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.RecordTestResult(args[0], resultPassed); err != nil {
		return err
	}
	fmt.Printf("Result %s recorded (passed=%v)\n", args[0], resultPassed)
	return nil
}

func addMismatch(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := s.RecordMismatch(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Mismatch %s recorded; the gate blocks until it resolves\n", m.ID)
	return nil
}

func resolveMismatch(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.ResolveMismatch(args[0], joinArgs(args[1:])); err != nil {
		return err
	}
	fmt.Printf("Mismatch %s resolved\n", args[0])
	return nil
}

func runGate(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := s.Gate()
	if err != nil {
		return err
	}
	if result.Passed {
		fmt.Println("Gate: PASS")
		return nil
	}
	fmt.Printf("Gate: FAIL (%d failures)\n", len(result.Failures))
	for _, f := range result.Failures {
		fmt.Printf("  %s\n", f.String())
	}
	return nil
}

func signals() gears.Signals {
	sig := gears.Signals{ResearchOutstanding: researchOutstanding}
	if candidateDesc != "" {
		sig.Candidate = &types.Objective{
			ID:          fmt.Sprintf("cand-%d", time.Now().UnixNano()),
			Description: candidateDesc,
			CreatedAt:   time.Now(),
		}
	}
	return sig
}

func runShift(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	target := types.Gear(strings.ToUpper(args[0]))
	if !target.Valid() {
		return fmt.Errorf("unknown gear %q", args[0])
	}

	decision, err := s.Shift(target, signals())
	if err != nil {
		return err
	}
	printDecision(decision)
	return nil
}

func runTurn(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	decision, err := s.Turn(signals())
	if err != nil {
		return err
	}
	printDecision(decision)
	return nil
}

func printDecision(d gears.Decision) {
	fmt.Printf("%s -> %s  (%s)\n", d.From, d.To, d.Reason)
	if d.Gate != nil && !d.Gate.Passed {
		for _, f := range d.Gate.Failures {
			fmt.Printf("  blocked by %s\n", f.String())
		}
	}
	if d.NextStep != nil {
		fmt.Printf("  next step %d: %s\n", d.NextStep.Seq, d.NextStep.Description)
	}
	if d.Promoted != nil {
		fmt.Printf("  promoted objective %s: %s\n", d.Promoted.ID, d.Promoted.Description)
	}
}

func trustElevate(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	decision, err := s.Shift(types.GearYolo, signals())
	if err != nil {
		return err
	}
	printDecision(decision)
	return nil
}

func trustDrop(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	decision, err := s.Shift(types.GearActive, signals())
	if err != nil {
		return err
	}
	printDecision(decision)
	return nil
}

func addLesson(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := s.AddLesson(lessonTrigger, joinArgs(args), lessonSource)
	if err != nil {
		return err
	}
	fmt.Printf("Lesson %s (reinforcements %d)\n", item.ID, item.Reinforcements)
	return nil
}

func reinforceLesson(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := s.ReinforceLesson(args[0]); err != nil {
		return err
	}
	fmt.Printf("Lesson %s reinforced\n", args[0])
	return nil
}

func listLessons(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := s.Status()
	if err != nil {
		return err
	}
	if len(state.Lessons) == 0 {
		fmt.Println("Lesson pool is empty")
		return nil
	}
	for _, item := range state.Lessons {
		fmt.Printf("%s  x%d  [%s] %s\n", item.ID, item.Reinforcements, item.Trigger, item.Lesson)
	}
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	q := types.ArchiveQuery{}
	if len(args) > 0 {
		q.Text = args[0]
	}
	if recallFrom != "" {
		t0, err := time.Parse(time.RFC3339, recallFrom)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		q.From = t0
	}
	if recallTo != "" {
		t1, err := time.Parse(time.RFC3339, recallTo)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
		q.To = t1
	}

	cursor := s.Recall(q, recallPageSize)
	total := 0
	for {
		entries, done, err := cursor.Next()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Printf("#%d  %s  [%s] %s  (archived %s, %s)\n",
				entry.ID, entry.Lesson.ID, entry.Lesson.Trigger, entry.Lesson.Lesson,
				entry.ArchivedAt.Format(time.RFC3339), entry.Reason)
		}
		total += len(entries)
		if done {
			break
		}
	}
	fmt.Printf("%d archived lessons matched\n", total)
	return nil
}

func showEntropy(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := s.Entropy()
	if err != nil {
		return err
	}
	fmt.Printf("Metric:     %s\n", report.Metric)
	fmt.Printf("Value:      %d\n", report.Value)
	fmt.Printf("High water: %d\n", report.HighWater)
	fmt.Printf("Low water:  %d\n", report.LowWater)
	fmt.Printf("Breached:   %v\n", report.Breached)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	evicted, err := s.Prune()
	if err != nil {
		return err
	}
	if len(evicted) == 0 {
		fmt.Println("Nothing to prune")
		return nil
	}
	for _, entry := range evicted {
		fmt.Printf("archived %s  [%s] %s\n", entry.Lesson.ID, entry.Lesson.Trigger, entry.Lesson.Lesson)
	}
	fmt.Printf("%d lessons archived\n", len(evicted))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, st, err := openSession()
	if err != nil {
		return err
	}
	defer st.Close()

	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(ws, func(cfg *config.Config) {
		s.Reload(cfg)
		fmt.Printf("Config reloaded: gate strict=%v, entropy %d/%d\n",
			cfg.Gate.StrictMode, cfg.Memory.EntropyHighWater, cfg.Memory.EntropyLowWater)
	})
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := watcher.Start(cmd.Context()); err != nil {
		return err
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", config.Path(ws))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Stopping")
	return nil
}
