// Command rehearse runs one interview end-to-end against the interview API
// with a scripted candidate. It exercises the same bootstrap, speech,
// proctoring and controller code the host runs for real pages.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/apiclient"
	"github.com/stemsi/exstem-interview/internal/bootstrap"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/device"
	"github.com/stemsi/exstem-interview/internal/interview"
	"github.com/stemsi/exstem-interview/internal/logger"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/proctor"
	"github.com/stemsi/exstem-interview/internal/speech"
	"golang.org/x/term"
)

const pollInterval = 100 * time.Millisecond

// answerList collects repeated -answer flags.
type answerList []string

func (a *answerList) String() string     { return strings.Join(*a, " | ") }
func (a *answerList) Set(v string) error { *a = append(*a, v); return nil }

func main() {
	cfg := config.Load()

	var (
		sessionID    string
		apiURL       string
		answerFor    time.Duration
		speechFor    time.Duration
		noRecognizer bool
		answers      answerList
	)
	flag.StringVar(&sessionID, "session", "", "Interview session ID (required)")
	flag.StringVar(&apiURL, "api", cfg.InterviewAPIURL, "Interview API base URL")
	flag.DurationVar(&answerFor, "answer-duration", 2*time.Second, "How long each answer is recorded")
	flag.DurationVar(&speechFor, "speech-duration", 500*time.Millisecond, "How long each question takes to read aloud")
	flag.BoolVar(&noRecognizer, "no-recognizer", false, "Simulate a browser without speech recognition")
	flag.Var(&answers, "answer", "Spoken answer, repeat for each question (cycled)")
	flag.Parse()

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "rehearse").Logger()

	if sessionID == "" {
		fmt.Fprintln(os.Stderr, "Error: -session is required")
		flag.Usage()
		os.Exit(2)
	}
	if len(answers) == 0 {
		answers = answerList{"This is a rehearsal answer."}
	}

	token, err := readToken()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read token")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := device.NewScripted(device.ScriptedOptions{
		Answers:           answers,
		SpeechRecognition: !noRecognizer,
		SpeechDuration:    speechFor,
		Attention: model.AttentionSample{
			FaceDetected:   true,
			EyesOnScreen:   true,
			AttentionScore: 92,
		},
	})
	api := apiclient.New(strings.TrimRight(apiURL, "/"), &http.Client{}, log).ForSession(sessionID, token)

	snap, err := rehearse(ctx, sessionID, dev, api, cfg, answerFor, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Rehearsal failed")
	}

	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
}

// rehearse bootstraps the session and answers every question in turn.
func rehearse(
	ctx context.Context,
	sessionID string,
	dev *device.Scripted,
	api *apiclient.SessionAPI,
	cfg *config.Config,
	answerFor time.Duration,
	log zerolog.Logger,
) (model.SessionSnapshot, error) {
	prep, err := bootstrap.NewBootstrapper(dev, dev, api, log).Initialize(ctx, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	log.Info().
		Int("questions", len(prep.Session.Questions)).
		Int("time_budget_seconds", prep.Session.TimeBudgetSeconds).
		Msg("Session started")

	bridge := speech.NewBridge(dev, dev.Recognizer(), dev.Audio(), cfg.AnswerFlushDelay, log)
	monitor := proctor.NewMonitor(dev, cfg.AttentionInterval, proctor.Hooks{
		OnViolation: func(kind model.ProctorEventKind, c model.AntiCheatCounters) {
			log.Warn().Str("kind", string(kind)).Msg("Violation recorded")
		},
	}, log)
	dev.SetPageListener(monitor)

	ctrl := interview.New(prep.Session, interview.Deps{
		API:     api,
		Bridge:  bridge,
		Monitor: monitor,
		Stream:  prep.Stream,
		Display: dev,
	}, interview.Options{
		Speak: capability.SpeakOptions{Rate: cfg.SpeechRate, Pitch: cfg.SpeechPitch, Lang: cfg.SpeechLang},
		Hooks: interview.Hooks{
			OnSubmit: func(index int, err error) {
				if err != nil {
					log.Warn().Err(err).Int("question_index", index).Msg("Answer rejected")
					return
				}
				log.Info().Int("question_index", index).Msg("Answer submitted")
			},
		},
	}, log)

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()
	defer ctrl.Cleanup()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-runErr:
			return ctrl.Snapshot(), err
		case <-ticker.C:
		}

		snap := ctrl.Snapshot()
		if snap.Status != model.SessionStatusInProgress || snap.AISpeaking || snap.Recording || snap.Submitting {
			continue
		}

		if snap.CurrentQuestion != nil {
			log.Info().
				Int("question_index", snap.CurrentQuestionIndex).
				Str("question", snap.CurrentQuestion.Text).
				Msg("Answering")
		}
		if err := answer(ctx, ctrl, answerFor); err != nil {
			log.Warn().Err(err).Msg("Recording failed")
			continue
		}

		res := awaitSubmission(ctx, ctrl, snap.AnswersSubmitted)
		if res.Status == model.SessionStatusInProgress && res.AnswersSubmitted == snap.AnswersSubmitted {
			log.Warn().Str("error", res.LastSubmitError).Msg("Finishing after rejected answer")
			if err := ctrl.Finish(); err != nil {
				log.Debug().Err(err).Msg("Finish ignored")
			}
		}
	}
}

// awaitSubmission waits until the answer counted after before was accepted
// or rejected, or the session ended.
func awaitSubmission(ctx context.Context, ctrl *interview.Controller, before int) model.SessionSnapshot {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		snap := ctrl.Snapshot()
		switch {
		case snap.Status != model.SessionStatusInProgress,
			snap.AnswersSubmitted > before,
			snap.LastSubmitError != "" && !snap.Submitting:
			return snap
		}
		select {
		case <-ctx.Done():
			return snap
		case <-ctrl.Done():
			return ctrl.Snapshot()
		case <-ticker.C:
		}
	}
}

func answer(ctx context.Context, ctrl *interview.Controller, d time.Duration) error {
	if err := ctrl.StartRecording(); err != nil {
		return err
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	return ctrl.StopRecording()
}

// readToken takes the bearer token from INTERVIEW_TOKEN, or asks for it
// without echo when stdin is a terminal.
func readToken() (string, error) {
	if t := os.Getenv("INTERVIEW_TOKEN"); t != "" {
		return t, nil
	}

	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		fmt.Print("Enter Bearer Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Println() // Newline after token input
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
