// Package logging provides structured, context-aware logging on top of Zap.
//
// Logger wraps a zap core with a Trace level below Debug, run correlation
// fields taken from the context, secret redaction in the encoder and
// per-level sampling. Every level method takes a context:
//
//	lc, err := logging.FromConfig(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(lc)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithWorkflowID(ctx, "wf-42")
//	ctx = logging.WithPhaseID(ctx, "discover")
//	logger.Info(ctx, "phase attempt finished", zap.Duration("duration", d))
//
// The entry carries trace_id and span_id when ctx holds a recording span,
// plus workflow.id, phase.id, task.id and request.id when set.
//
// # Output
//
// The default output is stderr only. Commands print their results on stdout
// and the two streams never mix.
//
// # Redaction
//
// The encoder masks values of sensitive keys (token, password,
// authorization and friends, matched case-insensitively on the last dotted
// segment), values matching the configured patterns, and URL passwords.
// The message text is checked against the patterns as well. config.Secret
// values should go through Secret, which logs only their length.
//
// # Sampling
//
// Each level below Error has its own sampler keyed by message. Error and
// above are never sampled. Set Sampling.Enabled to false to see every entry.
//
// # Testing
//
// TestLogger records entries in memory:
//
//	tl := logging.NewTestLogger()
//	run(ctx, tl.Logger)
//	tl.AssertLogged(t, zapcore.InfoLevel, "run succeeded")
//	tl.AssertRunContext(t, "run succeeded", "wf-42", "")
//	tl.AssertNoSecrets(t)
package logging
