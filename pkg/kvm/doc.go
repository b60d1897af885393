/*
Package kvm is the libvirt/KVM hypervisor adapter.

One connection per URI is pooled with reference counting; every domain or
network mutation goes through the operation ledger. Cloned guests are
qcow2 overlays backed by a built or base image; the adapter creates
overlays but never deletes a backing image (the resource inventory guards
that). Two provisioning paths exist: classic clone-from-XML
(RenderDomainXML + DefineDomain) and kvm-auto import (VirtInstallArgs,
always --import --noautoconsole).

The Provider interface is the shared operation set for every backend;
an AWS adapter can register itself for aws guests without touching the
orchestrator.
*/
package kvm
