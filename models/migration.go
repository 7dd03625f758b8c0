package models

import (
	"log"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&CommercialLineItem{},
		&Shipment{},
		&Container{}, &ContainerItem{},
		&PackingBox{}, &PackingBoxItem{},
		&History{},
		&EngineEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
