// Package contracts defines the wire-level telemetry items accepted by the
// ingestion endpoint: the envelope common to every item and the typed
// payloads (event, message, exception, metric, request, dependency).
//
// Schema reference:
// https://github.com/Microsoft/ApplicationInsights-Home/blob/master/EndpointSpecs/Schemas/Bond/
package contracts
