package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/config"
	"github.com/triagem-mail/triagem/internal/email"
	"github.com/triagem-mail/triagem/internal/extract"
	"github.com/triagem-mail/triagem/internal/inbox"
	"github.com/triagem-mail/triagem/internal/pipeline"
	"github.com/triagem-mail/triagem/internal/web"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "triagem",
		Short: "triagem - Email triage and reply suggestions",
		Long: `triagem classifies business email as Produtivo or Improdutivo and
suggests a short reply for each message.

Keyword heuristics decide the common cases; an optional OpenAI-compatible
model classifies the rest and writes replies that no template covers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.triagem/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(monitorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration and builds the logger
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}

// newLogger builds the process logger. Logs go to w so stdout stays free
// for command output.
func newLogger(cfg config.Log, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with the analysis, model, inbox and reply settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(bufio.NewReader(os.Stdin))
		},
	}
}

func analyzeCmd() *cobra.Command {
	var files []string
	var sender string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "analyze [text...]",
		Short: "Classify email text and suggest a reply",
		Long: `Classify one or more emails and print the suggested reply.

The arguments are joined into one email. Each --file (.txt, .pdf or .eml)
is analyzed as a separate email. Without arguments or files the email is
read from standard input.`,
		Example: `  triagem analyze "Segue a nota fiscal de agosto"
  triagem analyze --file fatura.pdf --file pedido.eml
  cat mensagem.txt | triagem analyze --sender joana@fornecedor.com.br --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), args, files, sender, jsonOut)
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "File to analyze (repeatable)")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender address of the email")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")

	return cmd
}

func serveCmd() *cobra.Command {
	var port int
	var open bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local web interface",
		Long: `Start a local web server with a form to paste email text or upload
files (.txt, .pdf, .eml), plus a JSON endpoint at POST /api/analyze.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("port") {
				port = 0
			}
			return runServe(port, open)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&open, "open", false, "Open the web UI in the default browser")

	return cmd
}

func monitorCmd() *cobra.Command {
	var days int
	var watch bool
	var reply bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Triage the inbox over IMAP",
		Long: `Connect to your inbox via IMAP and triage recent messages.

This command will:
- Fetch messages from the last --days days
- Classify each one and print the suggested reply
- With --reply, send the reply to the sender of every Produtivo message
- With inbox.archive_unproductive, move Improdutivo messages to inbox.archive_folder

Requires inbox configuration in config.yaml with IMAP settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(days, watch, reply)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to look back for emails")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching for new emails after the first pass")
	cmd.Flags().BoolVar(&reply, "reply", false, "Send replies to Produtivo messages")

	return cmd
}

func runInit(reader *bufio.Reader) error {
	fmt.Println("triagem configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	cfg := config.Default()

	fmt.Println("Analysis")
	fmt.Println()
	if v := prompt(reader, fmt.Sprintf("Internal email domain [%s]: ", cfg.Analysis.InternalDomain)); v != "" {
		if !strings.HasPrefix(v, "@") {
			v = "@" + v
		}
		cfg.Analysis.InternalDomain = strings.ToLower(v)
	}

	fmt.Println()
	fmt.Println("Model (any OpenAI-compatible endpoint; leave empty to use heuristics and templates only)")
	fmt.Println()
	if apiKey := prompt(reader, "  API key: "); apiKey != "" {
		baseURL := prompt(reader, "  Base URL (empty for api.openai.com): ")
		model := prompt(reader, "  Model name [gpt-4o-mini]: ")
		if model == "" {
			model = "gpt-4o-mini"
		}
		for _, m := range []*config.Model{&cfg.Classifier, &cfg.Generator} {
			m.Provider = config.ProviderOpenAI
			m.APIKey = apiKey
			m.BaseURL = baseURL
			m.Model = model
		}
		cfg.Generator.Mode = config.ModeChat
	}

	fmt.Println()
	fmt.Println("Inbox (IMAP, optional)")
	fmt.Println()
	if addr := prompt(reader, "  Email address to monitor (empty to skip): "); addr != "" {
		cfg.Inbox.Enabled = true
		cfg.Inbox.Email = addr
		cfg.Inbox.Provider = prompt(reader, "  Provider (gmail/outlook/imap) [gmail]: ")
		if cfg.Inbox.Provider == "" {
			cfg.Inbox.Provider = "gmail"
		}
		if cfg.Inbox.Provider == "imap" {
			cfg.Inbox.Server = prompt(reader, "  IMAP server: ")
			cfg.Inbox.Port = 993
		}
		cfg.Inbox.Password = prompt(reader, "  App password: ")
		cfg.Inbox.ArchiveUnproductive = strings.EqualFold(prompt(reader, "  Archive Improdutivo messages? (y/N): "), "y")

		fmt.Println()
		fmt.Println("Replies")
		fmt.Println()
		cfg.Email.From = addr
		provider := prompt(reader, "  Send replies with (smtp/resend/sendgrid) [smtp]: ")
		switch provider {
		case "resend":
			cfg.Email.Provider = provider
			cfg.Email.ResendAPIKey = prompt(reader, "  Resend API key: ")
		case "sendgrid":
			cfg.Email.Provider = provider
			cfg.Email.SendgridAPIKey = prompt(reader, "  SendGrid API key: ")
		default:
			cfg.Email.Provider = "smtp"
			cfg.Email.SMTP.Host = "smtp.gmail.com"
			cfg.Email.SMTP.Port = 465
			cfg.Email.SMTP.UseTLS = true
			cfg.Email.SMTP.Username = addr
			cfg.Email.SMTP.Password = cfg.Inbox.Password
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit the config file if needed")
	fmt.Println("  2. Run 'triagem analyze \"texto do e-mail\"' to try the classifier")
	fmt.Println("  3. Run 'triagem serve --open' for the web form")
	fmt.Println("  4. Run 'triagem monitor' to triage your inbox")

	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return ""
	}
	return strings.TrimSpace(input)
}

func runAnalyze(ctx context.Context, args, files []string, sender string, jsonOut bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	limit := int64(cfg.Server.MaxUploadMB) << 20
	inputs, err := collectInputs(args, files, sender, os.Stdin, limit)
	if err != nil {
		return err
	}

	analyzer, err := pipeline.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}

	results := analyzer.AnalyzeAll(ctx, inputs)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"results": results,
			"summary": pipeline.Summarize(results),
		})
	}

	for i, r := range results {
		if len(results) > 1 {
			fmt.Printf("[%d] ", i+1)
		}
		printResult(r)
	}
	return nil
}

// collectInputs builds one input from the joined arguments and one per file.
// Standard input is read only when there is nothing else to analyze.
func collectInputs(args, files []string, sender string, stdin io.Reader, limit int64) ([]pipeline.Input, error) {
	var inputs []pipeline.Input

	if text := strings.Join(args, " "); strings.TrimSpace(text) != "" {
		inputs = append(inputs, pipeline.Input{Body: text, Sender: sender})
	}

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		text, err := extract.Reader(path, f, limit)
		f.Close()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, pipeline.Input{Body: text, Sender: sender})
	}

	if len(inputs) == 0 && stdin != nil {
		text, err := extract.Reader("stdin.txt", stdin, limit)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) != "" {
			inputs = append(inputs, pipeline.Input{Body: text, Sender: sender})
		}
	}

	if len(inputs) == 0 {
		return nil, errors.New("nothing to analyze: pass text, --file or pipe an email on stdin")
	}
	return inputs, nil
}

func printResult(r pipeline.Result) {
	var icon string
	switch r.Classification {
	case classify.CategoryProductive:
		icon = "✅"
	case classify.CategoryUnproductive:
		icon = "💤"
	default:
		icon = "❓"
	}

	label := string(r.Classification)
	if r.Subcategory != classify.SubNone {
		label += " / " + string(r.Subcategory)
	}
	fmt.Printf("%s %s (%s)\n", icon, label, r.Source)
	fmt.Printf("   %s\n", r.Reply)
	if r.Reason != pipeline.ReasonNone {
		fmt.Printf("   ⚠️  %s\n", r.Reason)
	}
}

func runServe(port int, open bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	analyzer, err := pipeline.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}

	server, err := web.NewServer(cfg.Server, analyzer, logger)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	return server.Start(open)
}

func runMonitor(days int, watch, reply bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateInbox(); err != nil {
		fmt.Println("📧 Inbox monitoring is not configured.")
		fmt.Println()
		fmt.Println("To enable inbox monitoring, add the following to your config.yaml:")
		fmt.Println()
		fmt.Println("inbox:")
		fmt.Println("  enabled: true")
		fmt.Println("  provider: gmail")
		fmt.Println("  email: financeiro@empresa.com")
		fmt.Println("  password: your-app-password  # Use an App Password, not your main password")
		fmt.Println()
		fmt.Println("For Gmail, you'll need to:")
		fmt.Println("  1. Enable 2-Step Verification")
		fmt.Println("  2. Generate an App Password at https://myaccount.google.com/apppasswords")
		fmt.Println("  3. Enable IMAP in Gmail settings")
		return err
	}

	opts := inbox.TriageOptions{
		From:                cfg.Email.From,
		ArchiveUnproductive: cfg.Inbox.ArchiveUnproductive,
	}
	if reply {
		if err := cfg.ValidateEmail(); err != nil {
			return fmt.Errorf("--reply needs email settings: %w", err)
		}
		sender, err := email.NewSender(cfg.Email)
		if err != nil {
			return fmt.Errorf("failed to create email sender: %w", err)
		}
		opts.Replier = sender
	}

	analyzer, err := pipeline.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	triager := inbox.NewTriager(analyzer, opts, logger)
	monitor := inbox.NewMonitor(cfg.Inbox, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := monitor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to inbox: %w", err)
	}
	defer monitor.Disconnect()

	fmt.Printf("📬 Triaging inbox (last %d days)...\n", days)
	fmt.Println()

	emails, err := monitor.FetchRecentEmails(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to fetch emails: %w", err)
	}
	monitor.MarkSeen(emails)

	if len(emails) == 0 {
		fmt.Println("No emails found.")
	}

	outcomes := triager.ProcessAll(ctx, emails)
	for _, o := range outcomes {
		printOutcome(o)
	}
	markAnswered(monitor, outcomes)
	archive(monitor, cfg.Inbox.ArchiveFolder, outcomes)

	summary := pipeline.Summarize(inbox.Results(outcomes))
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("📊 Summary:")
	fmt.Printf("  Total emails:        %d\n", summary.Total)
	fmt.Printf("  ✅ Produtivo:        %d\n", summary.Productive)
	fmt.Printf("  💤 Improdutivo:      %d\n", summary.Unproductive)
	fmt.Printf("  ❓ Indefinido:       %d\n", summary.Undetermined)
	fmt.Printf("  📄 Template replies: %d\n", summary.Templated)
	fmt.Printf("  ✍️  Generated:        %d\n", summary.Generated)
	fmt.Printf("  ⚠️  Recovered:        %d\n", summary.Recovered)
	if reply {
		fmt.Printf("  📤 Replies sent:     %d\n", countReplied(outcomes))
	}

	if !watch {
		return nil
	}

	fmt.Println()
	fmt.Println("👀 Watching for new emails... (Ctrl+C to stop)")

	err = monitor.WatchForNewEmails(ctx, func(e inbox.Email) {
		fmt.Println()
		o := triager.Process(ctx, e)
		printOutcome(o)
		markAnswered(monitor, []inbox.Outcome{o})
		archive(monitor, cfg.Inbox.ArchiveFolder, []inbox.Outcome{o})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}
	return nil
}

// markAnswered flags replied messages with \Answered so the next run skips them
func markAnswered(monitor *inbox.Monitor, outcomes []inbox.Outcome) {
	uids := inbox.AnsweredUIDs(outcomes)
	if len(uids) == 0 {
		return
	}
	if err := monitor.MarkAnswered(uids); err != nil {
		fmt.Printf("⚠️  Could not flag replied emails: %v\n", err)
	}
}

// archive moves the outcomes marked for archiving, creating the folder first
func archive(monitor *inbox.Monitor, folder string, outcomes []inbox.Outcome) {
	uids := inbox.ArchiveUIDs(outcomes)
	if len(uids) == 0 {
		return
	}
	if err := monitor.EnsureFolderExists(folder); err != nil {
		fmt.Printf("⚠️  Could not create archive folder: %v\n", err)
		return
	}
	if err := monitor.ArchiveEmails(uids, folder); err != nil {
		fmt.Printf("⚠️  Could not archive emails: %v\n", err)
		return
	}
	fmt.Printf("📁 Archived %d emails to '%s'\n", len(uids), folder)
}

func printOutcome(o inbox.Outcome) {
	from := o.Email.From
	if o.Email.FromName != "" {
		from = o.Email.FromName + " <" + from + ">"
	}
	fmt.Printf("📨 %s | %s\n", truncateString(o.Email.Subject, 60), from)
	printResult(o.Result)
	switch {
	case o.Replied:
		fmt.Printf("   📤 Reply sent (%s)\n", o.Reply.MessageID)
	case o.Reply != nil:
		fmt.Printf("   ⚠️  Reply failed: %v\n", o.Reply.Error)
	}
}

func countReplied(outcomes []inbox.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Replied {
			n++
		}
	}
	return n
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

