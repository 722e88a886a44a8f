package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/metailurini/cati-queue/dispatch"
	"github.com/metailurini/cati-queue/recorder"
	"github.com/metailurini/cati-queue/session"
)

func dialCmd(a *app) *cobra.Command {
	var (
		surveyID    string
		workerID    string
		webhook     string
		concurrency int
		wait        time.Duration
		callTimeout time.Duration
	)

	command := &cobra.Command{
		Use:   "dial",
		Short: "Drain a survey through an external dialer webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := a.logger

			handler, err := session.WebhookHandler(&http.Client{Timeout: callTimeout}, webhook)
			if err != nil {
				return err
			}

			db, store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			pub, err := a.publisher()
			if err != nil {
				return err
			}
			defer pub.Close()

			dispatcher, err := dispatch.New(store, dispatch.Config{
				LeaseDuration: a.cfg.Queue.LeaseDuration,
				PollInterval:  a.cfg.Queue.PollInterval,
				Logger:        &logger,
			})
			if err != nil {
				return err
			}
			rec, err := recorder.New(store, recorder.Config{
				Backoff: a.cfg.BackoffPolicy(),
				Events:  pub,
				Logger:  &logger,
			})
			if err != nil {
				return err
			}

			runner, err := session.NewRunner(dispatcher, rec, handler, session.Config{
				WorkerID:      workerID,
				SurveyID:      surveyID,
				LeaseDuration: a.cfg.Queue.LeaseDuration,
				Wait:          wait,
				MaxInFlight:   concurrency,
				Logger:        &logger,
			})
			if err != nil {
				return err
			}

			logger.Info().Str("event", "dial").Str("survey_id", surveyID).Int("concurrency", concurrency).Msg("dialer session starting")
			return ignoreCanceled(runner.Run(ctx))
		},
	}

	command.Flags().StringVar(&surveyID, "survey", "", "Survey to drain")
	command.Flags().StringVar(&workerID, "worker-id", "", "Worker identifier (default hostname-pid)")
	command.Flags().StringVar(&webhook, "webhook", "", "Dialer endpoint that places each call")
	command.Flags().IntVar(&concurrency, "concurrency", 1, "Concurrent calls")
	command.Flags().DurationVar(&wait, "wait", 30*time.Second, "Long-poll window while the survey is drained")
	command.Flags().DurationVar(&callTimeout, "call-timeout", 30*time.Minute, "Upper bound on one dialer request")
	_ = command.MarkFlagRequired("survey")
	_ = command.MarkFlagRequired("webhook")
	return command
}
