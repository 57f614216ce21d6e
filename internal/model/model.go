package model

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DatabaseModels lists every struct migrated into the database schema.
var DatabaseModels = []interface{}{
	&Route{},
	&Vehicle{},
	&Asignacion{},
}

// Route is a stored path a synthetic vehicle can be driven along.
// Waypoints holds the ordered [lat, lon] pairs as a JSON document.
// Older rows serialized the array as a JSON string, so readers must
// accept both forms (see geo.DecodeWaypoints).
type Route struct {
	gorm.Model
	Name      string         `json:"nombreRuta" gorm:"size:127"`
	Waypoints datatypes.JSON `json:"puntosRuta"`
}

// Vehicle is a fleet vehicle eligible for assignment.
type Vehicle struct {
	gorm.Model
	Plate string `json:"placa" gorm:"size:15;uniqueIndex"`
	Brand string `json:"marca" gorm:"size:63"`
	Line  string `json:"linea" gorm:"size:63"`
}

// Asignacion pairs a vehicle with a route and scopes broadcast
// visibility for live tracking.
type Asignacion struct {
	gorm.Model
	RouteID    uint    `json:"rutaId"`
	Route      Route   `json:"-" gorm:"foreignKey:RouteID"`
	VehicleID  uint    `json:"vehiculoId"`
	Vehicle    Vehicle `json:"-" gorm:"foreignKey:VehicleID"`
	DriverName string  `json:"conductor" gorm:"size:127"`
}
