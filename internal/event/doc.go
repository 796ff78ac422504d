// Package event defines the record producers hand to the pipeline, the
// closed set of categories, and the JSON shape those records take on the wire.
package event
