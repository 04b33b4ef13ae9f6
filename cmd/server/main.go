package main

import "github.com/eleven-am/engagement-backend/internal/bootstrap"

// @title Engagement Backend API
// @version 1.0.0
// @description Activity tracking and cohort labeling for app end users

// @BasePath /v1

func main() {
	bootstrap.Run()
}
