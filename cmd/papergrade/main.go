package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tranqh/papergrade/internal/grader"
	"github.com/tranqh/papergrade/internal/handler"
	appI18n "github.com/tranqh/papergrade/internal/i18n"
	"github.com/tranqh/papergrade/internal/llm"
	"github.com/tranqh/papergrade/internal/llm/prompts"
	"github.com/tranqh/papergrade/internal/model"
	"github.com/tranqh/papergrade/internal/report"
	"github.com/tranqh/papergrade/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "papergrade",
		Short: "Exam submission grading service powered by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), submitCmd(), gradeCmd(), reportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `papergrade --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addLLMFlags registers the oracle connection flags shared by every
// command that grades or summarizes.
func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.VariantStandard), "Grading prompt variant (strict, standard, lenient)")
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "papergrade.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Message language (en, vi)")
	f.Int("ctx-limit", grader.DefaultContextLimit, "Per-entry context truncation limit in characters")
	f.String("cors-origin", "*", "Allowed CORS origin")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an exam outline from a JSON file",
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("outline", "", "Path to the outline JSON file (required)")
	f.String("name", "", "Exam name (required)")
	f.String("subject", "", "Subject name")
	f.String("exam-id", "", "Exam identifier recorded as report metadata")
	f.String("date", "", "Exam date in YYYY-MM-DD format")

	_ = cmd.MarkFlagRequired("outline")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a student's segmented submission from a JSON file",
		RunE:  runSubmit,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam row ID the submission belongs to (required)")
	f.String("student", "", "Student name (required)")
	f.String("fragments", "", "Path to the fragments JSON file (required)")

	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("fragments")

	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Run one grading pass over a submission",
		RunE:  runGrade,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.Int64("submission-id", 0, "Submission row ID to grade (required)")
	f.StringP("lang", "l", "en", "Message language (en, vi)")
	f.Int("ctx-limit", grader.DefaultContextLimit, "Per-entry context truncation limit in characters")

	_ = cmd.MarkFlagRequired("submission-id")

	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the Markdown report for a graded submission",
		RunE:  runReport,
	}
	addCommonFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.Int64("submission-id", 0, "Submission row ID (required)")
	f.Bool("regenerate", false, "Generate a fresh report even when one exists")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("submission-id")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PAPERGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papergrade")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papergrade")
	v.AddConfigPath("/etc/papergrade")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// newOracle builds the LLM client from flag values, falling back to the
// standard variant on an unrecognized one.
func newOracle(v *viper.Viper) (*llm.Client, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.VariantStandard)
	}
	return llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		variant,
	)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	oracle, err := newOracle(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := oracle.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	g := grader.New(db, oracle, grader.WithContextLimit(v.GetInt("ctx-limit")))
	reports := report.New(db, oracle)

	h, err := handler.New(db, g, reports)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{v.GetString("cors-origin")},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"ctx_limit", v.GetInt("ctx-limit"),
	)
	return http.ListenAndServe(addr, r)
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	path := v.GetString("outline")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	storedHash, err := db.GetImportedFileHash(path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("outline file unchanged, skipping", "path", path)
		return nil
	}
	if storedHash != "" {
		slog.Warn("outline file changed since last import, skipping to avoid breaking existing submissions",
			"path", path)
		return nil
	}

	var questions []model.QuestionImport
	if err := json.Unmarshal(data, &questions); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(questions) == 0 {
		return fmt.Errorf("no questions in %s", path)
	}

	examID, err := db.CreateExam(model.Exam{
		Name:    v.GetString("name"),
		Subject: v.GetString("subject"),
	})
	if err != nil {
		return fmt.Errorf("create exam: %w", err)
	}

	for _, qi := range questions {
		_, err := db.InsertQuestion(model.Question{
			ExamID:     examID,
			Text:       qi.Text,
			Difficulty: qi.Difficulty,
			GroupIndex: qi.GroupIndex,
			PartLabel:  qi.PartLabel,
			Topics:     qi.Topics,
		})
		if err != nil {
			return fmt.Errorf("insert question from %s: %w", path, err)
		}
	}

	if err := db.SetImportedFileHash(path, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	if err := db.SetExamInfo(model.ExamInfo{
		ExamID:  v.GetString("exam-id"),
		Subject: v.GetString("subject"),
		Date:    v.GetString("date"),
	}); err != nil {
		return fmt.Errorf("record exam info: %w", err)
	}

	slog.Info("imported outline", "path", path, "exam_id", examID, "count", len(questions))
	fmt.Println(examID)
	return nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	examID := v.GetInt64("exam-id")
	exam, err := db.GetExam(examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam == nil {
		return fmt.Errorf("exam %d not found", examID)
	}

	path := v.GetString("fragments")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fragments []model.FragmentImport
	if err := json.Unmarshal(data, &fragments); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	submissionID, err := db.CreateSubmission(model.Submission{
		ExamID:      examID,
		StudentName: v.GetString("student"),
	})
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	for _, fi := range fragments {
		_, err := db.InsertFragment(model.AnswerFragment{
			SubmissionID: submissionID,
			QuestionID:   fi.QuestionID,
			GroupIndex:   fi.GroupIndex,
			PartLabel:    fi.PartLabel,
			Position:     fi.Position,
			Text:         fi.Text,
		})
		if err != nil {
			return fmt.Errorf("insert fragment from %s: %w", path, err)
		}
	}

	slog.Info("recorded submission", "submission_id", submissionID, "fragments", len(fragments))
	fmt.Println(submissionID)
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	oracle, err := newOracle(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := oracle.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}

	g := grader.New(db, oracle, grader.WithContextLimit(v.GetInt("ctx-limit")))

	ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer(v.GetString("lang")))
	result, err := g.GradeSubmission(ctx, v.GetInt64("submission-id"))
	if err != nil {
		return fmt.Errorf("grade submission: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	oracle, err := newOracle(v)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}

	reports := report.New(db, oracle)
	submissionID := v.GetInt64("submission-id")

	var text string
	if v.GetBool("regenerate") {
		text, err = reports.Regenerate(context.Background(), submissionID)
	} else {
		text, err = reports.GetOrGenerate(context.Background(), submissionID)
	}
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	if text == "" {
		return fmt.Errorf("submission %d has no gradings to report on", submissionID)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if !strings.HasSuffix(text, "\n") {
		_, _ = fmt.Fprintln(w)
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
