package models

import (
	"log"

	"bitbucket.org/mmdatafocus/parking_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ShiftSession{},
		&ParkingEntry{},
		&ShiftReportRequest{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
