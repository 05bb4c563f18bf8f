// Command evidence-api answers compliance questions from connected tools,
// keeps the audit log and renders evidence exports.
//
// Usage:
//
//	# Start the HTTP server (default command)
//	evidence-api serve --config config/config.yaml
//
//	# List recent audit entries
//	evidence-api audit list --user alice --limit 20
//
//	# Export a stored evidence set
//	evidence-api export 42 --format pdf --out evidence.pdf
package main

func main() {
	Execute()
}
