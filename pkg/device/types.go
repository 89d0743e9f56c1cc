package device

import "strings"

// Canonical device types.
const (
	TypeGeneric        = "generic"
	TypeLamp           = "lamp"
	TypeGyro           = "gyro"
	TypeContainer      = "container"
	TypeProjector      = "projector"
	TypeConnector      = "connector"
	TypeThruster       = "thruster"
	TypeBattery        = "battery"
	TypeReactor        = "reactor"
	TypeRemoteControl  = "remote_control"
	TypeCockpit        = "cockpit"
	TypeGasGenerator   = "gas_generator"
	TypeRefinery       = "refinery"
	TypeSorter         = "conveyor_sorter"
	TypeWelder         = "ship_welder"
	TypeGrinder        = "ship_grinder"
	TypeDrill          = "ship_drill"
	TypeLargeTurret    = "large_turret"
	TypeInteriorTurret = "interior_turret"
	TypeWeapon         = "weapon"
	TypeOreDetector    = "ore_detector"
	TypeTextPanel      = "textpanel"
)

const builderPrefix = "MyObjectBuilder_"

// typeAliases maps plugin block types and the loose names people type to a
// canonical device type.
var typeAliases = map[string]string{
	"MyObjectBuilder_Thrust":               TypeThruster,
	"MyObjectBuilder_Gyro":                 TypeGyro,
	"MyObjectBuilder_BatteryBlock":         TypeBattery,
	"MyObjectBuilder_Reactor":              TypeReactor,
	"MyObjectBuilder_ShipConnector":        TypeConnector,
	"MyObjectBuilder_RemoteControl":        TypeRemoteControl,
	"MyObjectBuilder_CargoContainer":       TypeContainer,
	"MyObjectBuilder_Cockpit":              TypeCockpit,
	"MyObjectBuilder_OxygenGenerator":      TypeGasGenerator,
	"MyObjectBuilder_Refinery":             TypeRefinery,
	"MyObjectBuilder_ConveyorSorter":       TypeSorter,
	"MyObjectBuilder_ShipWelder":           TypeWelder,
	"MyObjectBuilder_ShipGrinder":          TypeGrinder,
	"MyObjectBuilder_Drill":                TypeDrill,
	"MyObjectBuilder_LargeTurretBase":      TypeLargeTurret,
	"MyObjectBuilder_LargeGatlingTurret":   TypeLargeTurret,
	"MyObjectBuilder_LargeMissileTurret":   TypeLargeTurret,
	"MyObjectBuilder_InteriorTurret":       TypeInteriorTurret,
	"MyObjectBuilder_SmallGatlingGun":      TypeWeapon,
	"MyObjectBuilder_LargeGatlingGun":      TypeWeapon,
	"MyObjectBuilder_SmallMissileLauncher": TypeWeapon,
	"MyObjectBuilder_LargeMissileLauncher": TypeWeapon,
	"MyObjectBuilder_OreDetector":          TypeOreDetector,
	"MyObjectBuilder_InteriorLight":        TypeLamp,
	"MyObjectBuilder_ReflectorLight":       TypeLamp,
	"MyObjectBuilder_LightingBlock":        TypeLamp,
	"MyObjectBuilder_TextPanel":            TypeTextPanel,
	"MyObjectBuilder_Projector":            TypeProjector,

	"cargo_container":       TypeContainer,
	"cargocontainer":        TypeContainer,
	"oxygen_generator":      TypeGasGenerator,
	"conveyorsorter":        TypeSorter,
	"shipwelder":            TypeWelder,
	"shipgrinder":           TypeGrinder,
	"shipdrill":             TypeDrill,
	"largeturret":           TypeLargeTurret,
	"interiorturret":        TypeInteriorTurret,
	"weapons":               TypeWeapon,
	"usercontrollablegun":   TypeWeapon,
	"user_controllable_gun": TypeWeapon,
	"light":                 TypeLamp,
	"lighting_block":        TypeLamp,
	"interior_light":        TypeLamp,
	"reflector_light":       TypeLamp,
	"display":               TypeTextPanel,
	"panel":                 TypeTextPanel,
	"text_panel":            TypeTextPanel,
	"thrust":                TypeThruster,
	"shipconnector":         TypeConnector,
	"ship_connector":        TypeConnector,
}

// NormalizeType maps a raw block type to its canonical device type.
// Unknown MyObjectBuilder_ types lose the prefix and are lowercased.
func NormalizeType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TypeGeneric
	}
	if t, ok := typeAliases[raw]; ok {
		return t
	}
	lower := strings.ToLower(raw)
	if t, ok := typeAliases[lower]; ok {
		return t
	}
	if strings.HasPrefix(raw, builderPrefix) {
		return strings.ToLower(strings.TrimPrefix(raw, builderPrefix))
	}
	return lower
}
