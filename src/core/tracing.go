package main

import "go.opentelemetry.io/otel"

// tracer uses the global provider; spans are no-ops until one is installed
var tracer = otel.Tracer("github.com/signetwallet/signet")
