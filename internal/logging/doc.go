// Package logging wraps zap for ragd.
//
// A Logger adds correlation fields pulled from the context (trace_id,
// span_id and request.id) to every entry, supports a Trace level below
// Debug, redacts sensitive keys and value patterns before encoding, and can
// tee records into the OpenTelemetry log pipeline through the otelzap
// bridge.
//
//	logger, err := logging.NewLogger(cfg, global.GetLoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//	logger.Info(ctx, "collection opened", zap.String("collection", name))
//
// Library packages take a plain *zap.Logger; pass logger.Underlying().
package logging
