package webhook

import (
	"context"
	"fmt"

	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
)

// EventCRMContactAdd fires when a contact is created in the tenant CRM.
const EventCRMContactAdd = "ONCRMCONTACTADD"

// ContactAdded fetches the new contact with the stored tenant credential and
// logs it. Events carry only the entity id.
func ContactAdded(ctx context.Context, api portal.API, ev Event) error {
	id := number(object(ev.Payload["FIELDS"])["ID"])
	if id <= 0 {
		return fmt.Errorf("%w: contact id missing", ErrMalformedEvent)
	}
	contact, err := api.GetContact(ctx, id)
	if err != nil {
		return err
	}
	obs.Logger().InfoContext(ctx, "crm contact added",
		"contact_id", id, "name", text(contact["NAME"]), "last_name", text(contact["LAST_NAME"]))
	return nil
}
