// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged union of entity payloads. Every queued mutation and
// every upsert request carries one variant, keyed by entity type, decoded and
// validated at the RPC boundary.
type Payload interface {
	// Validate checks required fields and enum values before the payload
	// reaches the conflict detector.
	Validate() error
}

// RefSpec describes a foreign reference carried in a payload as an external
// id. Required references fail the upsert with ref_not_found when the target
// row does not exist; optional references are written as NULL and reported
// back so a later pull can reconcile them.
type RefSpec struct {
	Field    string // payload JSON field holding the referenced external id
	Entity   string // referenced entity type
	Column   string // internal-id column on this entity's table
	Required bool
}

// EntityDef binds an entity type name to its payload prototype, its server
// table and its foreign references.
type EntityDef struct {
	Name       string
	NewPayload func() Payload
	Refs       []RefSpec
}

// AnimalPayload carries the fields of a herd animal.
type AnimalPayload struct {
	Name      string     `json:"name"`
	TagNumber string     `json:"tagNumber"`
	Species   string     `json:"species,omitempty"`
	Breed     string     `json:"breed,omitempty"`
	Sex       string     `json:"sex"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	Weight    *float64   `json:"weight,omitempty"`
	Color     string     `json:"color,omitempty"`
	Status    string     `json:"status,omitempty"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	Metadata  string     `json:"metadata,omitempty"`
	QRCode    string     `json:"qrCode,omitempty"`
	NFCID     string     `json:"nfcId,omitempty"`
}

func (p *AnimalPayload) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: animal name is required", ErrValidation)
	}
	if p.TagNumber == "" {
		return fmt.Errorf("%w: animal tagNumber is required", ErrValidation)
	}
	switch p.Sex {
	case "male", "female":
	default:
		return fmt.Errorf("%w: animal sex must be male or female, got %q", ErrValidation, p.Sex)
	}
	return nil
}

// HealthRecordPayload carries a veterinary event for an animal.
type HealthRecordPayload struct {
	AnimalExternalID string     `json:"animalExternalId"`
	Type             string     `json:"type"`
	Description      string     `json:"description"`
	Medication       string     `json:"medication,omitempty"`
	Dosage           string     `json:"dosage,omitempty"`
	Veterinarian     string     `json:"veterinarian,omitempty"`
	Cost             *float64   `json:"cost,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	PerformedAt      time.Time  `json:"performedAt"`
	NextDueDate      *time.Time `json:"nextDueDate,omitempty"`
}

func (p *HealthRecordPayload) Validate() error {
	if p.AnimalExternalID == "" {
		return fmt.Errorf("%w: health record animalExternalId is required", ErrValidation)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: health record type is required", ErrValidation)
	}
	if p.Description == "" {
		return fmt.Errorf("%w: health record description is required", ErrValidation)
	}
	if p.PerformedAt.IsZero() {
		return fmt.Errorf("%w: health record performedAt is required", ErrValidation)
	}
	return nil
}

// BreedingRecordPayload carries a reproductive event for an animal.
type BreedingRecordPayload struct {
	AnimalExternalID string     `json:"animalExternalId"`
	EventType        string     `json:"eventType"`
	EventDate        time.Time  `json:"eventDate"`
	SireExternalID   string     `json:"sireExternalId,omitempty"`
	InseminationType string     `json:"inseminationType,omitempty"`
	PregnancyStatus  string     `json:"pregnancyStatus,omitempty"`
	ExpectedDueDate  *time.Time `json:"expectedDueDate,omitempty"`
	ActualBirthDate  *time.Time `json:"actualBirthDate,omitempty"`
	OffspringCount   *int       `json:"offspringCount,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

func (p *BreedingRecordPayload) Validate() error {
	if p.AnimalExternalID == "" {
		return fmt.Errorf("%w: breeding record animalExternalId is required", ErrValidation)
	}
	if p.EventType == "" {
		return fmt.Errorf("%w: breeding record eventType is required", ErrValidation)
	}
	if p.EventDate.IsZero() {
		return fmt.Errorf("%w: breeding record eventDate is required", ErrValidation)
	}
	return nil
}

// ProductPayload carries an inventory product (supplies).
type ProductPayload struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Category     string   `json:"category,omitempty"`
	Unit         string   `json:"unit"`
	MinStock     *float64 `json:"minStock,omitempty"`
	CurrentStock float64  `json:"currentStock"`
	Cost         *float64 `json:"cost,omitempty"`
	Supplier     string   `json:"supplier,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

func (p *ProductPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("%w: product code is required", ErrValidation)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: product name is required", ErrValidation)
	}
	if p.Unit == "" {
		return fmt.Errorf("%w: product unit is required", ErrValidation)
	}
	return nil
}

// StockMovementPayload carries an inventory movement against a product.
type StockMovementPayload struct {
	ProductExternalID string    `json:"productExternalId"`
	Type              string    `json:"type"` // in, out, adjust
	Quantity          float64   `json:"quantity"`
	UnitCost          *float64  `json:"unitCost,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	RelatedEntity     string    `json:"relatedEntity,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

func (p *StockMovementPayload) Validate() error {
	if p.ProductExternalID == "" {
		return fmt.Errorf("%w: stock movement productExternalId is required", ErrValidation)
	}
	switch p.Type {
	case "in", "out", "adjust":
	default:
		return fmt.Errorf("%w: stock movement type must be in, out or adjust, got %q", ErrValidation, p.Type)
	}
	if p.OccurredAt.IsZero() {
		return fmt.Errorf("%w: stock movement occurredAt is required", ErrValidation)
	}
	return nil
}

// MilkRecordPayload carries a milking session record, optionally tied to an
// individual animal.
type MilkRecordPayload struct {
	AnimalExternalID string    `json:"animalExternalId,omitempty"`
	Session          string    `json:"session"` // AM, PM, TOTAL
	Liters           float64   `json:"liters"`
	FatPct           *float64  `json:"fatPct,omitempty"`
	ProteinPct       *float64  `json:"proteinPct,omitempty"`
	SomaticCellCount *int      `json:"somaticCellCount,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	RecordedAt       time.Time `json:"recordedAt"`
}

func (p *MilkRecordPayload) Validate() error {
	switch p.Session {
	case "AM", "PM", "TOTAL":
	default:
		return fmt.Errorf("%w: milk record session must be AM, PM or TOTAL, got %q", ErrValidation, p.Session)
	}
	if p.Liters < 0 {
		return fmt.Errorf("%w: milk record liters cannot be negative", ErrValidation)
	}
	if p.RecordedAt.IsZero() {
		return fmt.Errorf("%w: milk record recordedAt is required", ErrValidation)
	}
	return nil
}

// PasturePayload carries a grazing paddock.
type PasturePayload struct {
	Name           string     `json:"name"`
	AreaHa         *float64   `json:"areaHa,omitempty"`
	CurrentGroup   string     `json:"currentGroup,omitempty"`
	OccupancySince *time.Time `json:"occupancySince,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

func (p *PasturePayload) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: pasture name is required", ErrValidation)
	}
	return nil
}

// LabExamPayload carries a laboratory exam request/result, optionally tied to
// an animal (soil and bromatological exams are not).
type LabExamPayload struct {
	AnimalExternalID string     `json:"animalExternalId,omitempty"`
	ExamType         string     `json:"examType"`
	SampleType       string     `json:"sampleType,omitempty"`
	LabName          string     `json:"labName,omitempty"`
	RequestedAt      time.Time  `json:"requestedAt"`
	ResultAt         *time.Time `json:"resultAt,omitempty"`
	Result           string     `json:"result,omitempty"`
	Antibiogram      string     `json:"antibiogram,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

func (p *LabExamPayload) Validate() error {
	if p.ExamType == "" {
		return fmt.Errorf("%w: lab exam examType is required", ErrValidation)
	}
	if p.RequestedAt.IsZero() {
		return fmt.Errorf("%w: lab exam requestedAt is required", ErrValidation)
	}
	return nil
}

// AIConversationPayload carries one entry of the assistant conversation log.
type AIConversationPayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"` // user, assistant
	Content   string `json:"content"`
	Title     string `json:"title,omitempty"`
}

func (p *AIConversationPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: conversation sessionId is required", ErrValidation)
	}
	switch p.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: conversation role must be user or assistant, got %q", ErrValidation, p.Role)
	}
	if p.Content == "" {
		return fmt.Errorf("%w: conversation content is required", ErrValidation)
	}
	return nil
}

// FarmPayload carries a farm (finca) master record.
type FarmPayload struct {
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	Location       string     `json:"location,omitempty"`
	OwnerName      string     `json:"ownerName,omitempty"`
	Address        string     `json:"address,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	OfficialNumber string     `json:"officialNumber,omitempty"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	MaleCount      int        `json:"maleCount"`
	FemaleCount    int        `json:"femaleCount"`
	Notes          string     `json:"notes,omitempty"`
}

func (p *FarmPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("%w: farm code is required", ErrValidation)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: farm name is required", ErrValidation)
	}
	return nil
}

// entityDefs is the registry of all synchronizable entity types, in the order
// pull responses enumerate them (parents before children so clients can merge
// in a single pass even with foreign keys enforced).
var entityDefs = []EntityDef{
	{Name: EntityFarm, NewPayload: func() Payload { return &FarmPayload{} }},
	{Name: EntityAnimal, NewPayload: func() Payload { return &AnimalPayload{} }},
	{Name: EntityProduct, NewPayload: func() Payload { return &ProductPayload{} }},
	{Name: EntityPasture, NewPayload: func() Payload { return &PasturePayload{} }},
	{
		Name:       EntityHealthRecord,
		NewPayload: func() Payload { return &HealthRecordPayload{} },
		Refs: []RefSpec{
			{Field: "animalExternalId", Entity: EntityAnimal, Column: "animal_id", Required: true},
		},
	},
	{
		Name:       EntityBreedingRecord,
		NewPayload: func() Payload { return &BreedingRecordPayload{} },
		Refs: []RefSpec{
			{Field: "animalExternalId", Entity: EntityAnimal, Column: "animal_id", Required: true},
			{Field: "sireExternalId", Entity: EntityAnimal, Column: "sire_id", Required: false},
		},
	},
	{
		Name:       EntityStockMovement,
		NewPayload: func() Payload { return &StockMovementPayload{} },
		Refs: []RefSpec{
			{Field: "productExternalId", Entity: EntityProduct, Column: "product_id", Required: true},
		},
	},
	{
		Name:       EntityMilkRecord,
		NewPayload: func() Payload { return &MilkRecordPayload{} },
		Refs: []RefSpec{
			{Field: "animalExternalId", Entity: EntityAnimal, Column: "animal_id", Required: false},
		},
	},
	{
		Name:       EntityLabExam,
		NewPayload: func() Payload { return &LabExamPayload{} },
		Refs: []RefSpec{
			{Field: "animalExternalId", Entity: EntityAnimal, Column: "animal_id", Required: false},
		},
	},
	{Name: EntityAIConversation, NewPayload: func() Payload { return &AIConversationPayload{} }},
}

var entityDefsByName = func() map[string]*EntityDef {
	m := make(map[string]*EntityDef, len(entityDefs))
	for i := range entityDefs {
		m[entityDefs[i].Name] = &entityDefs[i]
	}
	return m
}()

// EntityTypes returns all registered entity type names in merge-safe order.
func EntityTypes() []string {
	names := make([]string, len(entityDefs))
	for i, def := range entityDefs {
		names[i] = def.Name
	}
	return names
}

// LookupEntity returns the definition for an entity type name.
func LookupEntity(name string) (*EntityDef, error) {
	def, ok := entityDefsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return def, nil
}

// reservedPayloadKeys are envelope fields maintained by the engine; a payload
// carrying them is rejected so they cannot be spoofed from a device.
var reservedPayloadKeys = []string{"id", "userId", "externalId", "updatedAt"}

// DecodePayload decodes and validates raw JSON into the typed payload variant
// for the given entity type. Unknown non-reserved fields do not fail the
// decode, but they are not part of the typed variant: the stored canonical
// row carries only the registered fields.
func DecodePayload(entityType string, raw json.RawMessage) (Payload, error) {
	def, err := LookupEntity(entityType)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: payload required for %s", ErrValidation, entityType)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: %s payload must be a JSON object", ErrValidation, entityType)
	}
	for _, key := range reservedPayloadKeys {
		if _, found := obj[key]; found {
			return nil, fmt.Errorf("%w: %s payload carries reserved key %q", ErrValidation, entityType, key)
		}
	}
	payload := def.NewPayload()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrValidation, entityType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
