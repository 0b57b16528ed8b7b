// Command gemini-proxy-lambda serves the generate relay as an AWS Lambda or
// Netlify function behind an API Gateway style proxy event.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-lambda-go/lambda"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/handler"
	"gemini-proxy-go/internal/service"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("gemini-proxy-lambda"),
		kong.Description("Gemini generateContent relay as a serverless function."),
	)

	cfg, err := config.Load(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)

	svc, err := service.NewGenerateService(client.NewGeminiClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		logger.Error("building generate service", "err", err)
		os.Exit(1)
	}

	lh := handler.NewLambdaHandler(handler.NewGenerateHandler(svc, cfg, logger, nil), logger)
	lambda.Start(lh.Handle)
}
