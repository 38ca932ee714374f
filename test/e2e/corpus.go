package e2e

// PatientDoc is one document in the test corpus.
type PatientDoc struct {
	PatientID string
	Owner     string
	Filename  string
	Content   string
}

// AskCase is one question with the source expected among the answer's sources.
type AskCase struct {
	Description    string
	PatientID      string
	User           string
	Question       string
	WantSourceFile string
}

// Corpus is a small multi-patient record set with question test cases.
type Corpus struct {
	Documents []PatientDoc
	TestCases []AskCase
}

// BuildCorpus returns the e2e corpus. Each patient is owned by a single
// clinician and carries a handful of documents with distinct content so
// cross-patient leakage is detectable.
func BuildCorpus() Corpus {
	return Corpus{
		Documents: []PatientDoc{
			{"patient-001", "dr-sato", "medications.txt", "Prescribed lisinopril 10mg once daily for hypertension. Blood pressure trending down since April."},
			{"patient-001", "dr-sato", "allergies.txt", "Documented allergy to sulfa drugs. Rash and hives on exposure in 2019."},
			{"patient-001", "dr-sato", "visit-notes.md", "Follow-up visit. Patient reports mild dizziness in the morning. Advised hydration and dose review."},

			{"patient-002", "dr-kim", "labs.txt", "HbA1c 8.2 percent. Fasting glucose 162 mg/dL. Recommend dietary counseling and metformin titration."},
			{"patient-002", "dr-kim", "imaging-report.txt", "Chest X-ray clear. No infiltrates or effusion. Cardiac silhouette within normal limits."},

			{"patient-003", "dr-tanaka", "surgery.md", "Laparoscopic cholecystectomy performed without complication. Discharged on post-op day two."},
			{"patient-003", "dr-tanaka", "recovery.txt", "Two-week post-op check: incisions healing well, no signs of infection, cleared for light activity."},
		},
		TestCases: []AskCase{
			{
				Description:    "medication question surfaces the medication record",
				PatientID:      "patient-001",
				User:           "dr-sato",
				Question:       "What medication is the patient taking for blood pressure?",
				WantSourceFile: "medications.txt",
			},
			{
				Description:    "lab question surfaces the lab record",
				PatientID:      "patient-002",
				User:           "dr-kim",
				Question:       "What were the latest glucose results?",
				WantSourceFile: "labs.txt",
			},
			{
				Description:    "surgical question surfaces the operative note",
				PatientID:      "patient-003",
				User:           "dr-tanaka",
				Question:       "How did the surgery go?",
				WantSourceFile: "surgery.md",
			},
		},
	}
}

// DocsFor returns the corpus documents belonging to patientID.
func (c Corpus) DocsFor(patientID string) []PatientDoc {
	out := make([]PatientDoc, 0)
	for _, d := range c.Documents {
		if d.PatientID == patientID {
			out = append(out, d)
		}
	}
	return out
}
