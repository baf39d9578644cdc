/*
Copyright © 2019 Alexander Kiel <alexander.kiel@life.uni-leipzig.de>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fhir

// CapabilityStatementSearchParam represents the
// CapabilityStatement.rest.resource.searchParam BackboneElement.
type CapabilityStatementSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CapabilityStatementOperation represents the
// CapabilityStatement.rest.resource.operation / rest.operation
// BackboneElement.
type CapabilityStatementOperation struct {
	Name string `json:"name"`
}

// CapabilityStatementRestResource represents the CapabilityStatement.rest.resource
// BackboneElement.
type CapabilityStatementRestResource struct {
	Type        ResourceType                     `json:"type"`
	SearchParam []CapabilityStatementSearchParam `json:"searchParam,omitempty"`
	Operation   []CapabilityStatementOperation   `json:"operation,omitempty"`
}

// CapabilityStatementRest represents the CapabilityStatement.rest BackboneElement.
type CapabilityStatementRest struct {
	Mode      string                            `json:"mode"`
	Resource  []CapabilityStatementRestResource `json:"resource,omitempty"`
	Operation []CapabilityStatementOperation    `json:"operation,omitempty"`
}

// CapabilityStatement is documented here
// https://www.hl7.org/fhir/capabilitystatement.html. Only the fields this
// tool consults (FHIR version, server-mode REST entries, per-type search
// parameters and operations) are represented.
type CapabilityStatement struct {
	FhirVersion string                    `json:"fhirVersion"`
	Rest        []CapabilityStatementRest `json:"rest"`
}

// ServerResourceTypes returns every resource type the server's capability
// statement advertises under a "server" mode rest entry.
func (cs CapabilityStatement) ServerResourceTypes() []ResourceType {
	var types []ResourceType
	for _, rest := range cs.Rest {
		if rest.Mode != "server" {
			continue
		}
		for _, resource := range rest.Resource {
			types = append(types, resource.Type)
		}
	}
	return types
}

// SupportsLastUpdatedSearch reports whether the server advertises the
// _lastUpdated search parameter for the given resource type, which decides
// the default SinceMode: "updated" when supported, "created" otherwise.
func (cs CapabilityStatement) SupportsLastUpdatedSearch(rt ResourceType) bool {
	for _, rest := range cs.Rest {
		if rest.Mode != "server" {
			continue
		}
		for _, resource := range rest.Resource {
			if resource.Type != rt {
				continue
			}
			for _, sp := range resource.SearchParam {
				if sp.Name == "_lastUpdated" {
					return true
				}
			}
			return false
		}
	}
	return false
}

// SupportsBulkExport reports whether the server advertises the Bulk Data
// Access $export operation at the system level.
func (cs CapabilityStatement) SupportsBulkExport() bool {
	for _, rest := range cs.Rest {
		if rest.Mode != "server" {
			continue
		}
		for _, op := range rest.Operation {
			if op.Name == "export" {
				return true
			}
		}
	}
	return false
}

// ResourceTypes is the closed set of FHIR R4 resource types this tool knows
// how to route search/download requests for. Used for shell completion and
// to validate --type flags.
var ResourceTypes = []ResourceType{
	"Account", "ActivityDefinition", "AdverseEvent", "AllergyIntolerance",
	"Appointment", "AppointmentResponse", "AuditEvent", "Basic", "Binary",
	"BiologicallyDerivedProduct", "BodyStructure", "Bundle",
	"CapabilityStatement", "CarePlan", "CareTeam", "CatalogEntry",
	"ChargeItem", "ChargeItemDefinition", "Claim", "ClaimResponse",
	"ClinicalImpression", "CodeSystem", "Communication",
	"CommunicationRequest", "CompartmentDefinition", "Composition",
	"ConceptMap", "Condition", "Consent", "Contract", "Coverage",
	"CoverageEligibilityRequest", "CoverageEligibilityResponse",
	"DetectedIssue", "Device", "DeviceDefinition", "DeviceMetric",
	"DeviceRequest", "DeviceUseStatement", "DiagnosticReport",
	"DocumentManifest", "DocumentReference", "Encounter", "Endpoint",
	"EpisodeOfCare", "ExplanationOfBenefit", "FamilyMemberHistory", "Flag",
	"Goal", "Group", "HealthcareService", "ImagingStudy", "Immunization",
	"ImmunizationEvaluation", "ImmunizationRecommendation", "InsurancePlan",
	"Invoice", "List", "Location", "Medication", "MedicationAdministration",
	"MedicationDispense", "MedicationKnowledge", "MedicationRequest",
	"MedicationStatement", "MessageHeader", "NutritionOrder", "Observation",
	"ObservationDefinition", "OperationOutcome", "Organization",
	"OrganizationAffiliation", "Patient", "PaymentNotice",
	"PaymentReconciliation", "Person", "Practitioner", "PractitionerRole",
	"Procedure", "Provenance", "Questionnaire", "QuestionnaireResponse",
	"RelatedPerson", "RequestGroup", "ResearchStudy", "ResearchSubject",
	"RiskAssessment", "Schedule", "ServiceRequest", "Slot", "Specimen",
	"SpecimenDefinition", "Substance", "SupplyDelivery", "SupplyRequest",
	"Task", "ValueSet", "VerificationResult", "VisionPrescription",
}

// IsKnownResourceType reports whether rt is in ResourceTypes.
func IsKnownResourceType(rt ResourceType) bool {
	for _, known := range ResourceTypes {
		if known == rt {
			return true
		}
	}
	return false
}
